package correlator_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvusrun/pykernel"
	"github.com/corvusrun/pykernel/correlator"
	"github.com/corvusrun/pykernel/engine/pysub"
	"github.com/corvusrun/pykernel/workerproc"
)

const workerMarkerEnv = "PYKERNEL_CORRELATOR_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerMarkerEnv) == "1" {
		cfg := pykernel.DefaultConfig()
		interp := pysub.NewInterpreter(cfg.BlockingModules, cfg.BlockingMethodsByModule)
		w := workerproc.New(cfg, interp, nil, os.Stdin, os.Stdout)
		_ = w.Run(context.Background())
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newTestCorrelator(t *testing.T) (*pykernel.Session, *correlator.Correlator) {
	t.Helper()
	require.NoError(t, os.Setenv(workerMarkerEnv, "1"))
	t.Cleanup(func() { _ = os.Unsetenv(workerMarkerEnv) })

	cfg := pykernel.DefaultConfig()
	cfg.WorkerCommand = []string{os.Args[0]}
	cfg.HeartbeatInterval = time.Hour

	sess := pykernel.NewSession(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Start(ctx))
	t.Cleanup(func() { _ = sess.Shutdown(context.Background()) })

	c := correlator.New(sess, correlator.NewMemoryRegistry(), nil)
	c.Open()
	t.Cleanup(c.Close)
	return sess, c
}

func TestCorrelatorExecuteResolves(t *testing.T) {
	_, c := newTestCorrelator(t)

	result, err := c.Execute(context.Background(), "1 + 1", false, 0, nil, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, result.Value)
}

func TestCorrelatorExecuteRejectsOnExecutionError(t *testing.T) {
	_, c := newTestCorrelator(t)

	_, err := c.Execute(context.Background(), "def (", false, 0, nil, nil)
	require.Error(t, err)

	var execErr *pykernel.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, pykernel.ErrorKindCompilation, execErr.Kind)
}

func TestCorrelatorExecuteCollectsOutput(t *testing.T) {
	_, c := newTestCorrelator(t)

	var captured []string
	result, err := c.Execute(context.Background(), "print(\"hi\")\n1", true, 0, func(msg pykernel.Message) {
		captured = append(captured, msg.Data)
	}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, result.Value)
	require.Equal(t, []string{"hi\n"}, captured)
}

func TestCorrelatorExecuteAnswersInputViaProvider(t *testing.T) {
	_, c := newTestCorrelator(t)

	provide := func(ctx context.Context, executionID, prompt string) (string, error) {
		require.Equal(t, "who?", prompt)
		return "ada", nil
	}
	result, err := c.Execute(context.Background(), "name = input(\"who?\")\nname.upper()", false, 0, nil, provide)
	require.NoError(t, err)
	require.Equal(t, "ADA", result.Value)
}

func TestCorrelatorExecuteTimesOut(t *testing.T) {
	_, c := newTestCorrelator(t)

	_, err := c.Execute(context.Background(), "import asyncio\nawait asyncio.sleep(10)", false, 20*time.Millisecond, nil, nil)
	require.Error(t, err)

	var timeoutErr *correlator.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	counters := c.Counters()
	require.GreaterOrEqual(t, counters.TimeoutsTotal, int64(1))
}

func TestCorrelatorCloseRejectsPending(t *testing.T) {
	sess, c := newTestCorrelator(t)

	done := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), "import asyncio\nawait asyncio.sleep(10)", false, 0, nil, nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not observe correlator close")
	}
	_ = sess
}
