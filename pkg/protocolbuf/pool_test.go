package protocolbuf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBufferIsEmpty(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("stale")
	PutBuffer(buf)

	buf = GetBuffer()
	assert.Equal(t, 0, buf.Len())
	PutBuffer(buf)
}

func TestPutBufferDropsOversized(t *testing.T) {
	big := bytes.NewBuffer(make([]byte, 0, maxPooledSize+1))
	PutBuffer(big)
	PutBuffer(nil)
}

func TestAppendJSON(t *testing.T) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	require.NoError(t, AppendJSON(buf, map[string]any{"q": "a<b", "n": 1}))
	assert.Equal(t, `{"n":1,"q":"a<b"}`, buf.String())

	buf.Reset()
	assert.Error(t, AppendJSON(buf, func() {}))
}
