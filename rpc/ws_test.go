package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"openmarket/core/types"
)

func TestEventStreamDeliversLifecycleEvents(t *testing.T) {
	env := newTestEnv(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, env.server.URL+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Give the server loop a moment to register its subscription before the
	// first event is emitted.
	time.Sleep(100 * time.Millisecond)

	var created productJSON
	resultAs(t, env.call(t, "market_createProduct", createProductParams{
		Caller: env.seller.String(),
		Name:   "Widget",
		Price:  "100",
	}), &created)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var evt types.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, "market.product.created", evt.Type)
	require.Equal(t, "1", evt.Attributes["id"])
	require.Equal(t, "Widget", evt.Attributes["name"])
	require.Equal(t, env.seller.String(), evt.Attributes["seller"])
}
