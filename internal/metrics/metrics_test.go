package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordSearch(t *testing.T) {
	before := testutil.ToFloat64(SearchesTotal.WithLabelValues("completed"))
	RecordSearch("completed", time.Now().Add(-time.Second))
	assert.Equal(t, before+1, testutil.ToFloat64(SearchesTotal.WithLabelValues("completed")))
}
