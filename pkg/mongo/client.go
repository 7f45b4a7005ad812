package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	driver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zph/phil/pkg/topology"
)

// Conn is a connection to a single node that can run admin commands
type Conn interface {
	// RunAdminCommand runs cmd against the admin database. A reply with
	// ok: 0 is returned as an error.
	RunAdminCommand(ctx context.Context, cmd bson.D) (bson.M, error)
	Close(ctx context.Context) error
}

// Dialer opens connections to nodes
type Dialer interface {
	Connect(ctx context.Context, host string, port int) (Conn, error)
}

// CredentialDialer is a Dialer that can produce an authenticating copy of itself
type CredentialDialer interface {
	Dialer
	WithCredential(cred Credential) Dialer
}

// Credential is a SCRAM username and password in the admin database
type Credential struct {
	Username string
	Password string
}

// TLSOptions configures client-side TLS
type TLSOptions struct {
	CAFile                   string
	CertificateKeyFile       string
	AllowInvalidCertificates bool
}

// ClientOptions configures how Client connects
type ClientOptions struct {
	TLS                    *TLSOptions
	Credential             *Credential
	ConnectTimeout         time.Duration
	ServerSelectionTimeout time.Duration
}

// Client dials nodes with the MongoDB Go driver. Every connection is direct:
// no replica set discovery, so commands reach exactly the node asked for.
type Client struct {
	opts ClientOptions
}

var _ CredentialDialer = (*Client)(nil)

// NewClient creates a dialer
func NewClient(opts ClientOptions) *Client {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ServerSelectionTimeout == 0 {
		opts.ServerSelectionTimeout = 10 * time.Second
	}
	return &Client{opts: opts}
}

// WithCredential returns a dialer that authenticates with cred
func (c *Client) WithCredential(cred Credential) Dialer {
	opts := c.opts
	opts.Credential = &cred
	return &Client{opts: opts}
}

// Connect opens a direct connection to host:port
func (c *Client) Connect(ctx context.Context, host string, port int) (Conn, error) {
	addr := topology.GetNodeID(host, port)
	uri := ConnectionString(URIOptions{Hosts: []string{addr}, TLS: c.opts.TLS})

	opts := options.Client().
		ApplyURI(uri).
		SetDirect(true).
		SetServerSelectionTimeout(c.opts.ServerSelectionTimeout).
		SetConnectTimeout(c.opts.ConnectTimeout)

	if c.opts.Credential != nil {
		opts.SetAuth(options.Credential{
			Username:   c.opts.Credential.Username,
			Password:   c.opts.Credential.Password,
			AuthSource: "admin",
		})
	}

	client, err := driver.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return &conn{client: client, addr: addr}, nil
}

type conn struct {
	client *driver.Client
	addr   string
}

func (c *conn) RunAdminCommand(ctx context.Context, cmd bson.D) (bson.M, error) {
	var result bson.M
	err := c.client.Database("admin").RunCommand(ctx, cmd).Decode(&result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *conn) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CommandName returns the first key of a command document
func CommandName(cmd bson.D) string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0].Key
}
