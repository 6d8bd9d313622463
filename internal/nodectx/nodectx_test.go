package nodectx_test

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/harrowgate/kadnet/internal/config"
	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/metrics"
	"github.com/harrowgate/kadnet/internal/nodectx"
)

func TestNewSizesRequestChannelFromConfig(t *testing.T) {
	owner := key.Compute([]byte("owner"))
	cfg := config.Defaults()
	cfg.ReqBuffer = 3

	ctx := nodectx.New(owner, cfg, zerolog.Nop(), metrics.New())
	require.Equal(t, 3, cap(ctx.Requests))
	require.Equal(t, owner, ctx.Owner)
}

func TestComponentLoggerTagsName(t *testing.T) {
	var buf bytes.Buffer
	root := zerolog.New(&buf)
	ctx := nodectx.New(key.Compute([]byte("owner")), config.Defaults(), root, metrics.New())

	logger := ctx.Component("routing")
	logger.Info().Msg("split")

	require.Contains(t, buf.String(), `"component":"routing"`)
	require.Contains(t, buf.String(), `"node":"`)
}
