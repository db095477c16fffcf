package rpc

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// httpClient is shared by every HTTP endpoint in the process. Shuffle
// rpcs are small, so the generous timeout only matters when a receiver
// has stalled.
var httpClient = &http.Client{Timeout: 60 * time.Second}

const (
	rpcPath        = "/shuffle/rpc"
	headerFrom     = "X-Shuffle-From"
	headerInstance = "X-Shuffle-Instance"
)

// httpEndpoint serves one rank's inbound rpcs and issues its outbound
// ones. Each endpoint carries a uuid instance id: a peer that restarts
// under the same address answers with a different id, which is surfaced
// as an error instead of silently crossing runs.
type httpEndpoint struct {
	uri      string
	instance string
	handler  Handler
	server   *http.Server
	listener net.Listener
	mu       sync.Mutex // serializes handler entry
	wg       sync.WaitGroup
	peers    sync.Map // dst uri -> instance id first seen
	closed   chan struct{}
}

// ListenHTTP binds an HTTP endpoint to uri. The uri has the form
// proto://host:port as produced by PrepareURI; the proto names the
// mercury-style family and the listener is always a TCP stream socket.
func ListenHTTP(uri string, h Handler) (Endpoint, error) {
	hostport, err := hostPortOf(uri)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", hostport)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen %s: %w", hostport, err)
	}

	ep := &httpEndpoint{
		uri:      uri,
		instance: uuid.NewString(),
		handler:  h,
		listener: ln,
		closed:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(rpcPath, ep.serveRPC)
	ep.server = &http.Server{Handler: mux}

	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		ep.server.Serve(ln)
	}()
	return ep, nil
}

// hostPortOf strips the proto:// prefix from a shuffle uri.
func hostPortOf(uri string) (string, error) {
	i := strings.Index(uri, "://")
	if i < 0 {
		return "", fmt.Errorf("rpc: bad uri %q", uri)
	}
	return uri[i+3:], nil
}

func (e *httpEndpoint) serveRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "post only", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	e.mu.Lock()
	reply, err := e.handler(r.Header.Get(headerFrom), body)
	e.mu.Unlock()

	w.Header().Set(headerInstance, e.instance)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(reply)
}

func (e *httpEndpoint) URI() string { return e.uri }

func (e *httpEndpoint) Send(dst string, body []byte, done func([]byte, error)) error {
	select {
	case <-e.closed:
		return ErrShutdown
	default:
	}
	hostport, err := hostPortOf(dst)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s%s", hostport, rpcPath)

	cp := make([]byte, len(body))
	copy(cp, body)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		reply, err := e.post(dst, url, cp)
		if done != nil {
			done(reply, err)
		}
	}()
	return nil
}

func (e *httpEndpoint) post(dst, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerFrom, e.uri)
	req.Header.Set(headerInstance, e.instance)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rpc: %s: http %d: %s", url, resp.StatusCode, strings.TrimSpace(string(reply)))
	}

	// A changed instance id means the peer restarted under the same
	// address; records from the previous run cannot be trusted onto it.
	if id := resp.Header.Get(headerInstance); id != "" {
		if prev, loaded := e.peers.LoadOrStore(dst, id); loaded && prev.(string) != id {
			return nil, fmt.Errorf("rpc: peer %s restarted (instance %s -> %s)", dst, prev, id)
		}
	}
	return reply, nil
}

func (e *httpEndpoint) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
		close(e.closed)
	}
	err := e.server.Close()
	e.wg.Wait()
	return err
}
