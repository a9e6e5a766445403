package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMillisJSONRoundTrip(t *testing.T) {
	m := MillisOf(time.Date(2025, 6, 1, 10, 0, 0, 123_456_789, time.UTC))

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, "1748772000123", string(data))

	var decoded Millis
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, m.UnixMilli(), decoded.UnixMilli())
}

func TestMillisZeroIsNull(t *testing.T) {
	data, err := json.Marshal(Millis{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var decoded Millis
	require.NoError(t, json.Unmarshal([]byte("null"), &decoded))
	assert.True(t, decoded.IsZero())
}

func TestMillisFromUnixNanoTruncates(t *testing.T) {
	ns := uint64(time.Date(2025, 6, 1, 10, 0, 0, 999_999, time.UTC).UnixNano())
	m := MillisFromUnixNano(ns)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), m.Time)
}

func TestMillisScan(t *testing.T) {
	var m Millis
	require.NoError(t, m.Scan(time.Date(2025, 6, 1, 10, 0, 0, 123_000_000, time.UTC)))
	assert.Equal(t, int64(123), m.UnixMilli()%1000)

	require.NoError(t, m.Scan(nil))
	assert.True(t, m.IsZero())

	assert.Error(t, m.Scan("2025-06-01"))
}

func TestMillisValue(t *testing.T) {
	v, err := Millis{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)

	now := MillisOf(time.Now())
	v, err = now.Value()
	require.NoError(t, err)
	assert.Equal(t, now.Time, v)
}
