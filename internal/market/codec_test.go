package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_NormalizeAliases(t *testing.T) {
	codec := NewCodec()

	assert.Equal(t, Symbol("BTC/USD"), codec.Normalize("XBT-USD"))
	assert.Equal(t, Symbol("BTC/USD"), codec.Normalize("BTC/USD"))
	assert.Equal(t, Symbol("DOGE/EUR"), codec.Normalize("xdg-eur"))
	assert.Equal(t, Symbol("ETH/USD"), codec.Normalize("ETH-USD"))
}

func TestCodec_DenormalizeRoundTrip(t *testing.T) {
	codec := NewCodec()

	native := codec.Denormalize(Symbol("BTC/USD"))
	assert.Equal(t, "XBT-USD", native)
	assert.Equal(t, Symbol("BTC/USD"), codec.Normalize(native))
}

func TestCodec_DecodeTicker(t *testing.T) {
	codec := NewCodec()

	frame := []byte(`{"channel":"ticker","symbol":"XBT-USD","data":{"last":50000,"bid":49990,"ask":50010,"volume":1234.5,"change":-250,"high":51000,"low":49500,"ts":1700000000000}}`)
	ev, err := codec.Decode(frame)
	require.NoError(t, err)

	update, ok := ev.(TickerUpdate)
	require.True(t, ok, "expected TickerUpdate, got %T", ev)
	assert.Equal(t, Symbol("BTC/USD"), update.Ticker.Symbol)
	assert.Equal(t, 50000.0, update.Ticker.Last)
	assert.Equal(t, 49990.0, update.Ticker.Bid)
	assert.Equal(t, 50010.0, update.Ticker.Ask)
	assert.Equal(t, 1234.5, update.Ticker.Volume24h)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), update.Ticker.Timestamp)
}

func TestCodec_DecodeBookSnapshotAndDelta(t *testing.T) {
	codec := NewCodec()

	snap, err := codec.Decode([]byte(`{"channel":"book","type":"snapshot","symbol":"ETH-USD","bids":[[3000,2],[2999,1]],"asks":[[3001,4]],"seq":100,"ts":1700000000000}`))
	require.NoError(t, err)
	snapshot, ok := snap.(BookSnapshot)
	require.True(t, ok)
	assert.Equal(t, Symbol("ETH/USD"), snapshot.Symbol)
	assert.Equal(t, int64(100), snapshot.Seq)
	assert.Len(t, snapshot.Bids, 2)
	assert.Equal(t, BookLevel{Price: 3001, Size: 4}, snapshot.Asks[0])

	del, err := codec.Decode([]byte(`{"channel":"book","type":"delta","symbol":"ETH-USD","bids":[[3000,0]],"seq":101}`))
	require.NoError(t, err)
	delta, ok := del.(BookDelta)
	require.True(t, ok)
	assert.Equal(t, int64(101), delta.Seq)
	assert.Equal(t, 0.0, delta.Bids[0].Size)
}

func TestCodec_AssignsReceiveOrderSeq(t *testing.T) {
	codec := NewCodec()

	ev, err := codec.Decode([]byte(`{"channel":"book","type":"snapshot","symbol":"SOL-USD","bids":[[100,1]],"asks":[[101,1]]}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), ev.(BookSnapshot).Seq)

	for want := int64(2); want <= 4; want++ {
		ev, err := codec.Decode([]byte(`{"channel":"book","type":"delta","symbol":"SOL-USD","bids":[[100,2]]}`))
		require.NoError(t, err)
		assert.Equal(t, want, ev.(BookDelta).Seq)
	}

	// A new snapshot resets the local counter.
	ev, err = codec.Decode([]byte(`{"channel":"book","type":"snapshot","symbol":"SOL-USD","bids":[[100,1]],"asks":[[101,1]]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.(BookSnapshot).Seq)
}

func TestCodec_DecodeControlFrames(t *testing.T) {
	codec := NewCodec()

	ev, err := codec.Decode([]byte(`{"event":"heartbeat","ts":1700000000000}`))
	require.NoError(t, err)
	assert.IsType(t, Heartbeat{}, ev)

	ev, err = codec.Decode([]byte(`{"event":"subscriptionStatus","status":"subscribed","channel":"ticker","symbol":"XBT-USD"}`))
	require.NoError(t, err)
	ack := ev.(SubscribeAck)
	assert.True(t, ack.Subscribed)
	assert.Equal(t, Symbol("BTC/USD"), ack.Symbol)
	assert.Equal(t, ChannelTicker, ack.Channel)

	ev, err = codec.Decode([]byte(`{"event":"error","message":"unknown pair"}`))
	require.NoError(t, err)
	assert.Equal(t, "unknown pair", ev.(ErrorEvent).Message)
}

func TestCodec_DecodeRejectsGarbage(t *testing.T) {
	codec := NewCodec()

	_, err := codec.Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = codec.Decode([]byte(`{"event":"mystery"}`))
	assert.Error(t, err)

	_, err = codec.Decode([]byte(`{"channel":"ticker","symbol":"XBT-USD"}`))
	assert.Error(t, err, "ticker frame without data must not decode")
}

func TestCodec_EncodeSubscribe(t *testing.T) {
	codec := NewCodec()

	frame, err := codec.EncodeSubscribe(Subscription{Channel: ChannelOrderBook, Symbol: "BTC/USD", Depth: 25})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"subscribe","channel":"book","symbols":["XBT-USD"],"depth":25}`, string(frame))

	frame, err = codec.EncodeUnsubscribe(Subscription{Channel: ChannelTicker, Symbol: "ETH/USD"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"unsubscribe","channel":"ticker","symbols":["ETH-USD"]}`, string(frame))
}
