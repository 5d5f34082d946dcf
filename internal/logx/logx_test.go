package logx

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestL_ConcurrentFirstUse(t *testing.T) {
	var wg sync.WaitGroup
	loggers := make(chan *zap.SugaredLogger, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := L()
			l.Debugw("first_use")
			loggers <- l
		}()
	}
	wg.Wait()
	close(loggers)

	first := L()
	require.NotNil(t, first)
	for l := range loggers {
		require.Same(t, first, l)
	}
}
