package ideas

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdRoundTrip(t *testing.T) {
	id := NewId()

	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, parsed)

	fromBytes, err := IdFromBytes(id.Bytes())
	assert.Equal(t, err, nil)
	assert.Equal(t, id, fromBytes)

	data, err := json.Marshal(&id)
	assert.Equal(t, err, nil)
	var unmarshaled Id
	err = json.Unmarshal(data, &unmarshaled)
	assert.Equal(t, err, nil)
	assert.Equal(t, id, unmarshaled)
}

func TestIdParseErrors(t *testing.T) {
	_, err := IdFromBytes([]byte{1, 2, 3})
	assert.NotEqual(t, err, nil)

	_, err = ParseId("not an id")
	assert.NotEqual(t, err, nil)

	_, err = ParseId("zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz")
	assert.NotEqual(t, err, nil)
}
