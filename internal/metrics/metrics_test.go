package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingRecorder struct {
	noopRecorder
	mu      sync.Mutex
	dbOps   map[string]int
	toolOps map[string]int
}

func (c *countingRecorder) IncDBOpTotal(op string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.dbOps[op]++
	}
}

func (c *countingRecorder) IncToolTotal(tool string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.toolOps[tool]++
	}
}

func TestTimeHelpersUseInstalledRecorder(t *testing.T) {
	rec := &countingRecorder{dbOps: map[string]int{}, toolOps: map[string]int{}}
	prev := Default()
	SetRecorder(rec)
	defer SetRecorder(prev)

	TimeOp("db_test")(true)
	TimeOp("db_test")(false)
	TimeTool("consolidate_entities")(true)

	assert.Equal(t, 1, rec.dbOps["db_test"])
	assert.Equal(t, 1, rec.toolOps["consolidate_entities"])
}

func TestInitDisabledKeepsNoop(t *testing.T) {
	assert.NoError(t, Init(false, ""))
	_, ok := Default().(*noopRecorder)
	assert.True(t, ok)
	assert.Nil(t, Handler())
}
