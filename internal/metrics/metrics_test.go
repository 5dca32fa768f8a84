package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordEntries(t *testing.T) {
	before := testutil.ToFloat64(EntriesTotal.WithLabelValues("created"))
	RecordEntries("created", 3)
	RecordEntries("created", 0)
	assert.InDelta(t, before+3, testutil.ToFloat64(EntriesTotal.WithLabelValues("created")), 1e-9)
}

func TestRecordWorkUnit(t *testing.T) {
	ok := testutil.ToFloat64(WorkUnits.WithLabelValues("subscribe", "ok"))
	bad := testutil.ToFloat64(WorkUnits.WithLabelValues("subscribe", "error"))
	RecordWorkUnit("subscribe", nil)
	RecordWorkUnit("subscribe", errors.New("boom"))
	assert.InDelta(t, ok+1, testutil.ToFloat64(WorkUnits.WithLabelValues("subscribe", "ok")), 1e-9)
	assert.InDelta(t, bad+1, testutil.ToFloat64(WorkUnits.WithLabelValues("subscribe", "error")), 1e-9)
}
