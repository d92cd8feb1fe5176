package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordRequestAndResponse(t *testing.T) {
	s := New()
	s.RecordRequest(100, 20)
	s.RecordResponse(50, 10)

	snap := s.Snap()
	assert.Equal(t, int64(1), snap.RequestsIn)
	assert.Equal(t, int64(100), snap.BytesIn)
	assert.Equal(t, int64(20), snap.TokensIn)
	assert.Equal(t, int64(1), snap.RequestsOut)
	assert.Equal(t, int64(50), snap.BytesOut)
	assert.Equal(t, int64(10), snap.TokensOut)
}

func TestRecordSavingsAccumulates(t *testing.T) {
	s := New()
	s.RecordSavings(10, 200)
	s.RecordSavings(5, 100)

	snap := s.Snap()
	assert.Equal(t, int64(15), snap.TokensSaved)
	assert.Equal(t, int64(300), snap.BytesSaved)
}

func TestMalformedLineCounter(t *testing.T) {
	s := New()
	s.RecordMalformedLine()
	s.RecordMalformedLine()
	assert.Equal(t, int64(2), s.Snap().MalformedLines)
}

func TestRecordToolsListSavingsIgnoresNegative(t *testing.T) {
	s := New()
	s.RecordToolsListSavings(500)
	s.RecordToolsListSavings(-50)
	assert.Equal(t, int64(500), s.Snap().ToolsListSavedBytes)
}

func TestStderrReportIncludesCounters(t *testing.T) {
	s := New()
	s.RecordRequest(10, 2)
	assert.NotEmpty(t, s.Snap().StderrReport())
}
