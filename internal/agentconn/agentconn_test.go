// Copyright 2026 The pivy-agentd Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agentconn_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pivy-go/pivy-agentd/internal/agentconn"
	"github.com/pivy-go/pivy-agentd/internal/peercred"
	"github.com/pivy-go/pivy-agentd/internal/protocol"
)

func pipeConns(t *testing.T) (client, server net.Conn) {
	t.Helper()
	client, server = net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestNextFrameWaitsForFullFrame(t *testing.T) {
	client, server := pipeConns(t)
	conn := agentconn.New(server, &peercred.Creds{}, 0)

	_, ready, nextErr := conn.NextFrame()
	require.NoError(t, nextErr)
	require.False(t, ready)

	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := conn.ReadMore()
		require.NoError(t, err)
		require.Greater(t, n, 0)
	}()

	frame := protocol.FrameBytes([]byte{11})
	_, err := client.Write(frame)
	require.NoError(t, err)
	<-done

	payload, ok, err := conn.NextFrame()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{11}, payload)
}

func TestQueueResponseAndFlush(t *testing.T) {
	client, server := pipeConns(t)
	conn := agentconn.New(server, &peercred.Creds{}, 0)
	conn.QueueResponse([]byte{6})
	require.True(t, conn.HasPendingWrite())

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, conn.Flush())
	}()

	got, err := protocol.ReadFrame(client)
	require.NoError(t, err)
	require.Equal(t, []byte{6}, got)
	<-done
	require.False(t, conn.HasPendingWrite())
}
