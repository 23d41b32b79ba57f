package channel

import (
	"sync"
	"testing"

	"github.com/jnicholls/paradedb/fts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestHandler_JobsRunOnWorkerThread(t *testing.T) {
	var factoryTID int
	h, err := NewHandler(func() (fts.Directory, error) {
		factoryTID = unix.Gettid()
		return fts.NewRAMDirectory(), nil
	})
	require.NoError(t, err)
	defer h.Close()

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tid, err := SubmitAndWait(t.Context(), h, "tid", func(fts.Directory) (int, error) {
				return unix.Gettid(), nil
			})
			assert.NoError(t, err)
			assert.Equal(t, factoryTID, tid)
		}()
	}
	wg.Wait()
}
