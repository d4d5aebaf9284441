package pubsub

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/siteaudit-crawler/internal/crawler"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func TestPublishCrawledPageEvent(t *testing.T) {
	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "crawled-pages")
	require.NoError(t, err)

	pub := New(client)
	defer pub.Close()

	event := crawler.CrawledPageEvent{
		SessionID:      "s1",
		PageURL:        "https://example.com/",
		HTTPStatus:     http.StatusOK,
		BodyRef:        "gs://bucket/s1/abc.html",
		ExtractedLinks: []string{"https://example.com/a"},
		LoadTimeMs:     42,
	}
	id, err := pub.Publish(ctx, "crawled-pages", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "s1", msgs[0].Attributes["session_id"])
	require.Equal(t, "application/json", msgs[0].Attributes["content_type"])

	var got crawler.CrawledPageEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, event.PageURL, got.PageURL)
	require.Equal(t, event.BodyRef, got.BodyRef)
	require.Equal(t, event.LoadTimeMs, got.LoadTimeMs)
}

func TestPublishErrors(t *testing.T) {
	ctx := context.Background()

	_, err := (&Publisher{}).Publish(ctx, "t", "x")
	require.ErrorContains(t, err, "not configured")

	client, _ := newTestClient(t)
	pub := New(client)
	defer pub.Close()

	_, err = pub.Publish(ctx, "t", make(chan int))
	require.ErrorContains(t, err, "marshal payload")

	_, err = pub.Publish(ctx, "missing-topic", map[string]string{"k": "v"})
	require.ErrorContains(t, err, "publish message")
}
