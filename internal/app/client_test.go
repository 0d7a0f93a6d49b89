package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"filexfer/internal/protocol"
	"filexfer/internal/service"
	"filexfer/internal/storage"
	"filexfer/internal/transport"

	"golang.org/x/sync/errgroup"
)

// countingTransport counts CHUNK messages arriving at the service
type countingTransport struct {
	transport.Transport
	chunks atomic.Int64
}

func (c *countingTransport) Receive(timeout time.Duration) (*transport.Message, net.Addr, error) {
	msg, from, err := c.Transport.Receive(timeout)
	if msg != nil && msg.Kind == transport.KindChunk {
		c.chunks.Add(1)
	}
	return msg, from, err
}

// lossyTransport drops a quarter of outbound datagrams, pseudo-randomly
// from a fixed seed so runs are repeatable
type lossyTransport struct {
	transport.Transport
	mu  sync.Mutex
	rng *rand.Rand
}

func newLossyTransport(tr transport.Transport) *lossyTransport {
	return &lossyTransport{Transport: tr, rng: rand.New(rand.NewPCG(7, 42))}
}

func (l *lossyTransport) Send(peer net.Addr, msg *transport.Message) error {
	l.mu.Lock()
	drop := l.rng.IntN(4) == 0
	l.mu.Unlock()
	if drop {
		return nil
	}
	return l.Transport.Send(peer, msg)
}

type env struct {
	svcStore *storage.Store
	cliStore *storage.Store
	svcTr    *countingTransport
	client   *Client
}

func newEnv(t *testing.T, chunkSize int, timeout time.Duration) *env {
	t.Helper()
	root := t.TempDir()
	svcStore, err := storage.NewStore(filepath.Join(root, "service"), chunkSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	cliStore, err := storage.NewStore(filepath.Join(root, "client"), chunkSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	udp, err := transport.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	svcTr := &countingTransport{Transport: udp}

	svc := service.New(service.Options{
		Store:          svcStore,
		Transport:      svcTr,
		Timeout:        timeout,
		MaxRetries:     20,
		ReceiveTimeout: 20 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		udp.Close()
	})

	client := NewClient(ClientOptions{
		Store:           cliStore,
		Dial:            UDPDialer(udp.LocalAddr().String()),
		Timeout:         timeout,
		MaxRetries:      20,
		TransferTimeout: 20 * time.Second,
		ReceiveTimeout:  20 * time.Millisecond,
	})
	return &env{svcStore: svcStore, cliStore: cliStore, svcTr: svcTr, client: client}
}

func writeFile(t *testing.T, contents []byte, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src")
	if err := os.WriteFile(path, contents, mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatal(err)
	}
	return path
}

func pattern(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*7 + size)
	}
	return b
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s: %d bytes differ from expected %d bytes", path, len(got), len(want))
	}
}

func TestUploadRoundTrip(t *testing.T) {
	for _, size := range []int{0, 5, 5000} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			e := newEnv(t, 1024, 200*time.Millisecond)
			contents := pattern(size)
			src := writeFile(t, contents, 0o600)
			dest := filepath.Join(t.TempDir(), "remote", "file")

			hash, err := e.client.Upload(context.Background(), src, dest)
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			want, _ := storage.HashFile(src)
			if hash != want {
				t.Errorf("hash = %s, want %s", hash, want)
			}
			assertFile(t, dest, contents)
			info, _ := os.Stat(dest)
			if info.Mode().Perm() != 0o600 {
				t.Errorf("mode = %o, want 600", info.Mode().Perm())
			}
		})
	}
}

func TestDownloadRoundTrip(t *testing.T) {
	for _, size := range []int{0, 5, 5000} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			e := newEnv(t, 1024, 200*time.Millisecond)
			contents := pattern(size)
			remote := writeFile(t, contents, 0o644)
			dest := filepath.Join(t.TempDir(), "local")

			hash, err := e.client.Download(context.Background(), remote, dest)
			if err != nil {
				t.Fatalf("Download: %v", err)
			}
			want, _ := storage.HashFile(remote)
			if hash != want {
				t.Errorf("hash = %s, want %s", hash, want)
			}
			assertFile(t, dest, contents)
		})
	}
}

func TestDownloadMissingFile(t *testing.T) {
	e := newEnv(t, 1024, 200*time.Millisecond)
	_, err := e.client.Download(context.Background(), filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, storage.ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
}

func TestUploadMissingSource(t *testing.T) {
	e := newEnv(t, 1024, 200*time.Millisecond)
	_, err := e.client.Upload(context.Background(), filepath.Join(t.TempDir(), "absent"), "/tmp/never")
	if !errors.Is(err, storage.ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
}

func TestReuploadIsIdempotent(t *testing.T) {
	e := newEnv(t, 1024, 500*time.Millisecond)
	contents := pattern(5000)
	src := writeFile(t, contents, 0o644)

	first, err := e.client.Upload(context.Background(), src, filepath.Join(t.TempDir(), "a"))
	if err != nil {
		t.Fatal(err)
	}
	e.svcTr.chunks.Store(0)

	dest := filepath.Join(t.TempDir(), "b")
	second, err := e.client.Upload(context.Background(), src, dest)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("hashes differ: %s vs %s", first, second)
	}
	if n := e.svcTr.chunks.Load(); n != 0 {
		t.Errorf("full resume sent %d chunks, want 0", n)
	}
	assertFile(t, dest, contents)

	stored, err := e.svcStore.StoredChunks(first)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 5 {
		t.Errorf("service holds %d chunks, want 5", len(stored))
	}
}

func TestResumeSendsOnlyMissingChunk(t *testing.T) {
	e := newEnv(t, 1024, 500*time.Millisecond)
	contents := pattern(5000)
	src := writeFile(t, contents, 0o644)

	hash, err := e.client.Upload(context.Background(), src, filepath.Join(t.TempDir(), "a"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(e.svcStore.Root(), hash, "2")); err != nil {
		t.Fatal(err)
	}
	e.svcTr.chunks.Store(0)

	dest := filepath.Join(t.TempDir(), "b")
	if _, err := e.client.Upload(context.Background(), src, dest); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if n := e.svcTr.chunks.Load(); n != 1 {
		t.Errorf("resume sent %d chunks, want 1", n)
	}
	assertFile(t, dest, contents)
}

func TestCorruptionIsReportedAndRecoverable(t *testing.T) {
	e := newEnv(t, 1024, 200*time.Millisecond)
	contents := pattern(3000)
	src := writeFile(t, contents, 0o644)

	hash, err := e.client.Upload(context.Background(), src, filepath.Join(t.TempDir(), "a"))
	if err != nil {
		t.Fatal(err)
	}
	chunk := filepath.Join(e.svcStore.Root(), hash, "1")
	if err := os.WriteFile(chunk, []byte("bad data"), 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "b")
	_, err = e.client.Upload(context.Background(), src, dest)
	if !errors.Is(err, storage.ErrHashMismatch) {
		t.Fatalf("err = %v, want ErrHashMismatch", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("corrupt file was exported")
	}

	// the service purged the session, so a retry re-sends everything
	if _, err := e.client.Upload(context.Background(), src, dest); err != nil {
		t.Fatalf("retry: %v", err)
	}
	assertFile(t, dest, contents)
}

func TestConcurrentDistinctUploads(t *testing.T) {
	e := newEnv(t, 512, 200*time.Millisecond)

	type job struct {
		contents []byte
		src      string
		dest     string
	}
	jobs := make([]job, 4)
	for i := range jobs {
		contents := append(pattern(3000+i*700), []byte(fmt.Sprintf("job-%d", i))...)
		jobs[i] = job{
			contents: contents,
			src:      writeFile(t, contents, 0o644),
			dest:     filepath.Join(t.TempDir(), fmt.Sprintf("out-%d", i)),
		}
	}

	var g errgroup.Group
	for _, j := range jobs {
		g.Go(func() error {
			_, err := e.client.Upload(context.Background(), j.src, j.dest)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		assertFile(t, j.dest, j.contents)
	}
}

func TestUploadOverLossyLink(t *testing.T) {
	e := newEnv(t, 1024, 50*time.Millisecond)
	dial := e.client.opts.Dial
	e.client.opts.Dial = func(ctx context.Context) (transport.Transport, net.Addr, error) {
		tr, peer, err := dial(ctx)
		if err != nil {
			return nil, nil, err
		}
		return newLossyTransport(tr), peer, nil
	}
	e.client.opts.MaxRetries = 100

	contents := pattern(9000)
	src := writeFile(t, contents, 0o644)
	dest := filepath.Join(t.TempDir(), "lossy")
	if _, err := e.client.Upload(context.Background(), src, dest); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	assertFile(t, dest, contents)
}

func TestUploadTimesOutWithoutService(t *testing.T) {
	store, err := storage.NewStore(t.TempDir(), 1024, 0)
	if err != nil {
		t.Fatal(err)
	}
	// a bound but silent socket
	silent, err := transport.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	client := NewClient(ClientOptions{
		Store:          store,
		Dial:           UDPDialer(silent.LocalAddr().String()),
		Timeout:        20 * time.Millisecond,
		MaxRetries:     3,
		ReceiveTimeout: 10 * time.Millisecond,
	})
	src := writeFile(t, []byte("nobody listens"), 0o644)
	if _, err := client.Upload(context.Background(), src, "/tmp/nowhere"); !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestUploadEndsWhenTransportCloses(t *testing.T) {
	store, err := storage.NewStore(t.TempDir(), 1024, 0)
	if err != nil {
		t.Fatal(err)
	}
	silent, err := transport.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	dial := UDPDialer(silent.LocalAddr().String())
	client := NewClient(ClientOptions{
		Store: store,
		Dial: func(ctx context.Context) (transport.Transport, net.Addr, error) {
			tr, peer, err := dial(ctx)
			if err != nil {
				return nil, nil, err
			}
			// stands in for a peer connection dropping mid-transfer
			time.AfterFunc(100*time.Millisecond, func() { tr.Close() })
			return tr, peer, nil
		},
		Timeout:        time.Second,
		MaxRetries:     10,
		ReceiveTimeout: 10 * time.Millisecond,
	})

	src := writeFile(t, []byte("cut off"), 0o644)
	started := time.Now()
	_, err = client.Upload(context.Background(), src, "/tmp/nowhere")
	if !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Errorf("upload took %s to notice the closed transport", elapsed)
	}
}
