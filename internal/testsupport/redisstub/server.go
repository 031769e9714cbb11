// Package redisstub is a tiny RESP server for tests. It understands the
// string commands the lease package issues plus the two token-checked Lua
// scripts it runs, which it emulates natively.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu     sync.Mutex
	kv     map[string]*entry
	offset time.Duration
	closed chan struct{}
}

type entry struct {
	value  string
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*entry),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// FastForward moves the stub's clock so keys expire without sleeping.
func (s *Server) FastForward(d time.Duration) {
	s.mu.Lock()
	s.offset += d
	s.mu.Unlock()
}

// Get returns the live value stored under key.
func (s *Server) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(key)
	if e == nil {
		return "", false
	}
	return e.value, true
}

// Set stores value under key without expiry, overwriting any holder.
func (s *Server) Set(key, value string) {
	s.mu.Lock()
	s.kv[key] = &entry{value: value}
	s.mu.Unlock()
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR wrong number of arguments") != nil {
				return
			}
			continue
		}
		var werr error
		switch strings.ToUpper(args[0]) {
		case "PING":
			werr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// RESP3 is not spoken; clients fall back to RESP2.
			werr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT", "SELECT":
			werr = writeSimpleString(writer, "OK")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimpleString(writer, "OK")
			} else {
				werr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		default:
			if !authenticated {
				werr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(writer, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "GET":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'get'")
		}
		if value, ok := s.Get(args[1]); ok {
			return writeBulkString(w, value)
		}
		return writeBulkNil(w)
	case "SET":
		return s.handleSet(w, args)
	case "DEL":
		var removed int64
		s.mu.Lock()
		for _, key := range args[1:] {
			if s.liveLocked(key) != nil {
				delete(s.kv, key)
				removed++
			}
		}
		s.mu.Unlock()
		return writeInteger(w, removed)
	case "PTTL":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'pttl'")
		}
		return writeInteger(w, s.pttl(args[1]))
	case "EVALSHA":
		return writeError(w, "NOSCRIPT No matching script. Please use EVAL.")
	case "EVAL":
		return s.handleEval(w, args)
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) handleSet(w *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(w, "ERR wrong number of arguments for 'set'")
	}
	key, value := args[1], args[2]
	var (
		nx  bool
		ttl time.Duration
	)
	for i := 3; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "NX":
			nx = true
		case "PX", "EX":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || n <= 0 {
				return writeError(w, "ERR invalid expire time in 'set' command")
			}
			if strings.EqualFold(args[i], "PX") {
				ttl = time.Duration(n) * time.Millisecond
			} else {
				ttl = time.Duration(n) * time.Second
			}
			i++
		default:
			return writeError(w, "ERR syntax error")
		}
	}

	s.mu.Lock()
	if nx && s.liveLocked(key) != nil {
		s.mu.Unlock()
		return writeBulkNil(w)
	}
	e := &entry{value: value}
	if ttl > 0 {
		e.expiry = s.nowLocked().Add(ttl)
	}
	s.kv[key] = e
	s.mu.Unlock()
	return writeSimpleString(w, "OK")
}

// handleEval recognises the compare-and-delete and compare-and-pexpire
// scripts by the command they guard.
func (s *Server) handleEval(w *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(w, "ERR wrong number of arguments for 'eval'")
	}
	script := args[1]
	numKeys, err := strconv.Atoi(args[2])
	if err != nil || numKeys != 1 || len(args) < 5 {
		return writeError(w, "ERR stub supports single-key token scripts only")
	}
	key, token := args[3], args[4]

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(key)
	matches := e != nil && e.value == token
	switch {
	case strings.Contains(script, `"pexpire"`):
		if len(args) < 6 {
			return writeError(w, "ERR missing ttl argument")
		}
		ms, err := strconv.ParseInt(args[5], 10, 64)
		if err != nil {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		if !matches {
			return writeInteger(w, 0)
		}
		e.expiry = s.nowLocked().Add(time.Duration(ms) * time.Millisecond)
		return writeInteger(w, 1)
	case strings.Contains(script, `"del"`):
		if !matches {
			return writeInteger(w, 0)
		}
		delete(s.kv, key)
		return writeInteger(w, 1)
	default:
		return writeError(w, "ERR stub does not understand script")
	}
}

func (s *Server) pttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.liveLocked(key)
	if e == nil {
		return -2
	}
	if e.expiry.IsZero() {
		return -1
	}
	return e.expiry.Sub(s.nowLocked()).Milliseconds()
}

func (s *Server) nowLocked() time.Time {
	return time.Now().Add(s.offset)
}

func (s *Server) liveLocked(key string) *entry {
	e, ok := s.kv[key]
	if !ok {
		return nil
	}
	if !e.expiry.IsZero() && !s.nowLocked().Before(e.expiry) {
		delete(s.kv, key)
		return nil
	}
	return e
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
