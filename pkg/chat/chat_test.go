package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsdk/config"
	"chatsdk/internal/attachment"
	"chatsdk/internal/session"
	"chatsdk/internal/task"
)

type nopTransport struct{}

func (nopTransport) Open(ctx context.Context, done func(error)) task.Cancellable {
	done(errors.New("offline"))
	return nil
}
func (nopTransport) Send([]byte) error        { return nil }
func (nopTransport) OnFrame(func([]byte))     {}
func (nopTransport) OnDisconnect(func(error)) {}
func (nopTransport) Close() error             { return nil }

type stubChannel struct{}

func (stubChannel) Configuration(context.Context, int64, string) (session.Configuration, error) {
	return session.Configuration{ChannelID: "chat_1", IsMultithread: true}, nil
}
func (stubChannel) Availability(context.Context, int64, string) (bool, error) { return true, nil }
func (stubChannel) SendVisitorEvents(context.Context, int64, string, string, []session.VisitorEvent) error {
	return nil
}

type countingPublisher struct {
	mu     sync.Mutex
	queues []string
}

func (p *countingPublisher) QueueDeclare(name string, _, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	return amqp091.Queue{Name: name}, nil
}

func (p *countingPublisher) PublishWithContext(_ context.Context, _, key string, _, _ bool, _ amqp091.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues = append(p.queues, key)
	return nil
}

func (p *countingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.queues...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ChatURL = "https://chat.example.com"
	cfg.SocketURL = "wss://socket.example.com"
	cfg.BrandID = 5
	cfg.ChannelID = "chat_1"
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = time.Millisecond
	return cfg
}

func testFactory(t *testing.T) *Factory {
	t.Helper()
	return &Factory{
		Config:    testConfig(t),
		Executor:  task.Inline{},
		Transport: nopTransport{},
		Channel:   stubChannel{},
	}
}

func TestFactoryRejectsInvalidConfig(t *testing.T) {
	_, err := (&Factory{}).New(context.Background(), "default")
	assert.Error(t, err)

	f := testFactory(t)
	f.Config.ChannelID = ""
	_, err = f.New(context.Background(), "default")
	assert.ErrorContains(t, err, config.EnvChannelID)
}

func TestFactoryBuildsPreparableSession(t *testing.T) {
	c, err := testFactory(t).New(context.Background(), "default")
	require.NoError(t, err)
	defer c.Release()

	assert.Equal(t, Initial, c.State())
	assert.Nil(t, c.Store)
	assert.Nil(t, c.Sink)
	assert.Equal(t, int64(5), c.Config().BrandID)

	require.NoError(t, c.Prepare())
	require.Eventually(t, func() bool { return c.State() == Prepared }, 2*time.Second, 5*time.Millisecond)
	got, ok := c.Configuration()
	require.True(t, ok)
	assert.True(t, got.IsMultithread)
}

func TestFactoryUploadBackends(t *testing.T) {
	f := testFactory(t)
	f.Config.UploadBackend = "s3"
	f.Config.S3 = config.S3{Bucket: "media"}
	_, err := f.New(context.Background(), "default")
	assert.ErrorContains(t, err, "s3")

	f.Config.S3.AccessKey, f.Config.S3.SecretKey = "key", "secret"
	c, err := f.New(context.Background(), "default")
	require.NoError(t, err)
	c.Release()
}

func TestFactoryUsesInjectedUploader(t *testing.T) {
	f := testFactory(t)
	calls := 0
	f.Uploader = attachment.UploaderFunc(func(context.Context, []byte, attachment.Metadata) (attachment.Reference, error) {
		calls++
		return attachment.Reference{URL: "https://cdn.example.com/a"}, nil
	})
	c, err := f.New(context.Background(), "default")
	require.NoError(t, err)
	defer c.Release()

	entry, err := c.Uploads().Upload(context.Background(), Descriptor{URI: "data:text/plain;base64,aGk=", FriendlyName: "a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/a", entry.URL)
	assert.Equal(t, 1, calls)
}

func TestFactoryPersistsIdentity(t *testing.T) {
	f := testFactory(t)
	f.Config.StoreDSN = "sqlite://" + filepath.Join(t.TempDir(), "chat.db")

	first, err := f.New(context.Background(), "default")
	require.NoError(t, err)
	require.NotNil(t, first.Store)
	first.SetCustomerID("cust-9")
	first.SetUserName("Ann", "Lee")
	first.Release()

	second, err := f.New(context.Background(), "default")
	require.NoError(t, err)
	defer second.Release()
	id := second.Identity()
	assert.Equal(t, "cust-9", id.CustomerID)
	assert.Equal(t, "Ann", id.FirstName)
}

func TestFactoryMirrorsToSink(t *testing.T) {
	pub := &countingPublisher{}
	f := testFactory(t)
	f.Publisher = pub

	c, err := f.New(context.Background(), "default")
	require.NoError(t, err)
	require.NotNil(t, c.Sink)
	require.NoError(t, c.Prepare())
	require.Eventually(t, func() bool { return c.State() == Prepared }, 2*time.Second, 5*time.Millisecond)
	c.Release()

	queues := pub.published()
	assert.Contains(t, queues, "chatsdk_state_changed")
	assert.Contains(t, queues, "chatsdk_threads_changed")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testFactory(t))

	a, err := r.Get(context.Background(), "support")
	require.NoError(t, err)
	again, err := r.Get(context.Background(), "support")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = r.Get(context.Background(), "sales")
	require.NoError(t, err)
	assert.Equal(t, []string{"sales", "support"}, r.Names())

	r.Remove("support")
	_, ok := r.Lookup("support")
	assert.False(t, ok)

	r.Close()
	assert.Empty(t, r.Names())
	_, err = r.Get(context.Background(), "support")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestRegistryKeepsFailedBuildsOut(t *testing.T) {
	f := testFactory(t)
	f.Config.ChatURL = ""
	r := NewRegistry(f)
	defer r.Close()

	_, err := r.Get(context.Background(), "default")
	assert.Error(t, err)
	assert.Empty(t, r.Names())
}
