package bluesky

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPDSHost = "https://bsky.social"

	postCollection = "app.bsky.feed.post"
)

type Credentials struct {
	Identifier string
	Password   string
}

type Client struct {
	xrpc *xrpc.Client
}

// ClientFromCredentials logs in with an app password and returns an
// authenticated client. httpClient may be nil.
func ClientFromCredentials(ctx context.Context, host string, creds *Credentials, httpClient *http.Client) (*Client, error) {
	if creds == nil || creds.Identifier == "" || creds.Password == "" {
		return nil, errors.New("bluesky identifier and password are required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	auth, err := atproto.ServerCreateSession(ctx, &xrpc.Client{Host: host, Client: httpClient}, &atproto.ServerCreateSession_Input{
		Identifier: creds.Identifier,
		Password:   creds.Password,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	xrpcClient := &xrpc.Client{
		Host: host,
		Auth: &xrpc.AuthInfo{
			AccessJwt:  auth.AccessJwt,
			RefreshJwt: auth.RefreshJwt,
			Handle:     auth.Handle,
			Did:        auth.Did,
		},
		Client: httpClient,
	}

	return &Client{xrpc: xrpcClient}, nil
}

// DID of the logged in account
func (c *Client) DID() string {
	return c.xrpc.Auth.Did
}

// UploadBlob uploads a blob (binary data like an image) to the Bluesky network.
// It takes a context and an io.Reader containing the blob data.
// Returns the uploaded blob's metadata or an error if the upload fails.
func (c *Client) UploadBlob(ctx context.Context, r io.Reader) (*lexutil.LexBlob, error) {
	resp, err := atproto.RepoUploadBlob(ctx, c.xrpc, r)
	if err != nil {
		return nil, fmt.Errorf("failed to upload blob: %w", err)
	}
	return resp.Blob, nil
}

// CreatePost writes a post record to the logged in user's repository and
// returns its at:// URI.
func (c *Client) CreatePost(ctx context.Context, record *bsky.FeedPost) (string, error) {
	record.LexiconTypeID = postCollection

	resp, err := atproto.RepoCreateRecord(ctx, c.xrpc, &atproto.RepoCreateRecord_Input{
		Collection: postCollection,
		Repo:       c.xrpc.Auth.Did,
		Record: &lexutil.LexiconTypeDecoder{
			Val: record,
		},
	})
	if err != nil {
		log.WithFields(log.Fields{
			"did":   c.xrpc.Auth.Did,
			"error": err,
		}).Error("Failed to create post record")
		return "", fmt.Errorf("failed to create record: %w", err)
	}
	return resp.Uri, nil
}

// FormatTime formats a time.Time into the format expected by AT Protocol
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
