package console_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/harrowgate/kadnet/internal/console"
	"github.com/harrowgate/kadnet/internal/key"
)

func TestHashDoesNotRequireANode(t *testing.T) {
	var buf bytes.Buffer
	c := console.New(&buf, zerolog.Nop(), "127.0.0.1", 19200)

	require.NoError(t, c.RunLine(context.Background(), "hash hello"))
	require.Equal(t, key.Compute([]byte("hello")).String()+"\n", buf.String())
}

func TestAddBeforeAnyNodeStartedIsAnError(t *testing.T) {
	var buf bytes.Buffer
	c := console.New(&buf, zerolog.Nop(), "127.0.0.1", 19210)

	err := c.RunLine(context.Background(), "add hello")
	require.Error(t, err)
	require.Contains(t, buf.String(), "ERR no node started")
}

func TestStartListAddGetRoundTripOnOneNode(t *testing.T) {
	var buf bytes.Buffer
	c := console.New(&buf, zerolog.Nop(), "127.0.0.1", 19220)
	ctx := context.Background()

	require.NoError(t, c.RunLine(ctx, "node start"))
	require.NoError(t, c.RunLine(ctx, "node list"))
	require.Contains(t, buf.String(), "node 0 started at 127.0.0.1:19220")

	buf.Reset()
	require.NoError(t, c.RunLine(ctx, "add hello kadnet"))
	addedHex := strings.TrimSpace(buf.String())
	require.Len(t, addedHex, 64)

	buf.Reset()
	require.NoError(t, c.RunLine(ctx, "get "+addedHex))
	require.Equal(t, "hello kadnet\n", buf.String())

	buf.Reset()
	require.NoError(t, c.RunLine(ctx, "node stat 0"))
	require.Contains(t, buf.String(), "node 0:")

	require.ErrorIs(t, c.RunLine(ctx, "quit"), io.EOF)
}

func TestTwoNodesConnectThroughConsole(t *testing.T) {
	var buf bytes.Buffer
	c := console.New(&buf, zerolog.Nop(), "127.0.0.1", 19230)
	ctx := context.Background()

	require.NoError(t, c.RunLine(ctx, "node start")) // node 0 on :19230
	require.NoError(t, c.RunLine(ctx, "node start")) // node 1 on :19231, now current

	require.NoError(t, c.RunLine(ctx, "node connect 127.0.0.1 19230"))

	require.Eventually(t, func() bool {
		buf.Reset()
		_ = c.RunLine(ctx, "node stat 1")
		return strings.Contains(buf.String(), "peers=1")
	}, 2*time.Second, 20*time.Millisecond)

	require.ErrorIs(t, c.RunLine(ctx, "quit"), io.EOF)
}
