// Package wire implements internal/ftpclient.Client over the real FTP/FTPS
// wire protocol using net, crypto/tls, and net/textproto — the same layer
// net/smtp is built on, and the only idiomatic choice since no third-party
// FTP client library appears anywhere in the retrieved pack (see DESIGN.md).
package wire

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/afd-project/afdsend/internal/ftpclient"
)

// Config tunes connection and I/O timeouts.
type Config struct {
	ConnectTimeout  time.Duration
	TransferTimeout time.Duration
	SendBufferSize  int
}

// DefaultConfig mirrors the worker's default network timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  30 * time.Second,
		TransferTimeout: 300 * time.Second,
	}
}

// Client is the production FCI implementation over a single control
// connection plus, while a transfer is open, one data connection.
type Client struct {
	cfg Config

	conn net.Conn
	tp   *textproto.Conn

	tlsConfig *tls.Config
	implicit  bool

	dataConn   net.Conn
	dataClosed bool

	lastAddr *net.TCPAddr // remembers the data-connection address for PASV dialing
}

var _ ftpclient.Client = (*Client)(nil)

// New builds an unconnected Client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

func (c *Client) Connect(ctx context.Context, host string, port int, implicitTLS, strictVerify, legacyReneg bool) ftpclient.Reply {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return dialErrorReply(err)
	}

	c.tlsConfig = &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: !strictVerify, //nolint:gosec // worker-configurable per host, spec §4.2
	}
	if legacyReneg {
		c.tlsConfig.Renegotiation = tls.RenegotiateFreelyAsClient
	}

	if implicitTLS {
		tlsConn := tls.Client(conn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return ftpclient.ErrorReply(425, fmt.Sprintf("implicit TLS handshake: %v", err))
		}
		conn = tlsConn
	}

	c.conn = conn
	c.implicit = implicitTLS
	c.tp = textproto.NewConn(conn)

	code, msg, err := c.tp.ReadResponse(1)
	if err != nil {
		return readErrorReply(err)
	}
	if code == 230 {
		// Already logged in by the greeting (spec §4.3 CONNECTED).
		return ftpclient.Reply{Code: 230, Message: msg}
	}
	if code/100 != 2 {
		return ftpclient.ErrorReply(code, msg)
	}
	return ftpclient.SuccessReply()
}

func (c *Client) AuthTLS(ctx context.Context, strict, legacy bool) ftpclient.Reply {
	if c.implicit {
		return ftpclient.SuccessReply()
	}
	code, msg, err := c.cmd(ctx, "AUTH TLS")
	if err != nil {
		return readErrorReply(err)
	}
	if code/100 != 2 {
		return ftpclient.ErrorReply(code, msg)
	}
	tlsConn := tls.Client(c.conn, c.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return ftpclient.ErrorReply(421, fmt.Sprintf("explicit TLS handshake: %v", err))
	}
	c.conn = tlsConn
	c.tp = textproto.NewConn(tlsConn)
	return ftpclient.SuccessReply()
}

func (c *Client) User(ctx context.Context, name string) ftpclient.Reply {
	return c.simple(ctx, "USER %s", name)
}

func (c *Client) Pass(ctx context.Context, password string) ftpclient.Reply {
	return c.simple(ctx, "PASS %s", password)
}

func (c *Client) ProxyLogin(ctx context.Context, steps []ftpclient.ProxyStep) ftpclient.Reply {
	for _, step := range steps {
		var reply ftpclient.Reply
		if step.Arg == "" {
			reply = c.simple(ctx, "%s", step.Command)
		} else {
			reply = c.simple(ctx, "%s %s", step.Command, step.Arg)
		}
		if !reply.OK() {
			return reply
		}
	}
	return ftpclient.SuccessReply()
}

func (c *Client) Idle(ctx context.Context, timeout time.Duration) ftpclient.Reply {
	return c.simple(ctx, "SITE IDLE %d", int(timeout.Seconds()))
}

func (c *Client) Type(ctx context.Context, mode byte) ftpclient.Reply {
	return c.simple(ctx, "TYPE %c", mode)
}

func (c *Client) UTF8On(ctx context.Context) ftpclient.Reply {
	return c.simple(ctx, "OPTS UTF8 ON")
}

func (c *Client) CD(ctx context.Context, path string, createIfMissing bool, dirMode string) (string, ftpclient.Reply) {
	code, msg, err := c.cmd(ctx, "CWD %s", path)
	if err != nil {
		return "", readErrorReply(err)
	}
	if code/100 == 2 {
		return "", ftpclient.SuccessReply()
	}
	if code == 550 && createIfMissing {
		mkdCode, mkdMsg, err := c.cmd(ctx, "MKD %s", path)
		if err != nil {
			return "", readErrorReply(err)
		}
		if mkdCode/100 != 2 {
			return "", ftpclient.ErrorReply(mkdCode, mkdMsg)
		}
		code, msg, err = c.cmd(ctx, "CWD %s", path)
		if err != nil {
			return "", readErrorReply(err)
		}
		if code/100 != 2 {
			return "", ftpclient.ErrorReply(code, msg)
		}
		if dirMode != "" {
			c.simple(ctx, "SITE CHMOD %s %s", dirMode, path)
		}
		return path, ftpclient.SuccessReply()
	}
	return "", ftpclient.ErrorReply(code, msg)
}

func (c *Client) Exec(ctx context.Context, siteCmd, arg string) ftpclient.Reply {
	if arg == "" {
		return c.simple(ctx, "SITE %s", siteCmd)
	}
	return c.simple(ctx, "SITE %s %s", siteCmd, arg)
}

func (c *Client) DataOpen(ctx context.Context, name string, appendOffset int64, mode ftpclient.DataMode, direction ftpclient.Direction, sndbuf int, createDir bool, dirMode string) (string, ftpclient.Reply) {
	addr, reply := c.pasv(ctx)
	if !reply.OK() {
		return "", reply
	}

	var err error
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	c.dataConn, err = d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return "", dialErrorReply(err)
	}
	if tlsConn, ok := c.conn.(*tls.Conn); ok {
		_ = tlsConn // control channel already secured; data protection is AuthData's job
	}
	c.dataClosed = false

	if appendOffset > 0 {
		if code, msg, err := c.cmd(ctx, "REST %d", appendOffset); err != nil {
			return "", readErrorReply(err)
		} else if code/100 != 3 {
			return "", ftpclient.ErrorReply(code, msg)
		}
	}

	var command string
	switch {
	case direction == ftpclient.DirectionDownload:
		command = "RETR"
	case mode == ftpclient.ModeAppend:
		command = "APPE"
	default:
		command = "STOR"
	}

	code, msg, err := c.cmd(ctx, "%s %s", command, name)
	if err != nil {
		return "", readErrorReply(err)
	}
	if code == 550 && createDir {
		dirPath := parentDir(name)
		if _, reply := c.CD(ctx, dirPath, true, dirMode); !reply.OK() {
			return "", reply
		}
		code, msg, err = c.cmd(ctx, "%s %s", command, name)
		if err != nil {
			return "", readErrorReply(err)
		}
		if code/100 != 1 {
			return "", ftpclient.ErrorReply(code, msg)
		}
		return dirPath, ftpclient.SuccessReply()
	}
	if code/100 != 1 {
		return "", ftpclient.ErrorReply(code, msg)
	}
	return "", ftpclient.SuccessReply()
}

func (c *Client) AuthData(ctx context.Context) ftpclient.Reply {
	if code, _, err := c.cmd(ctx, "PBSZ 0"); err != nil {
		return readErrorReply(err)
	} else if code/100 != 2 {
		return ftpclient.ErrorReply(code, "PBSZ rejected")
	}
	code, msg, err := c.cmd(ctx, "PROT P")
	if err != nil {
		return readErrorReply(err)
	}
	if code/100 != 2 {
		return ftpclient.ErrorReply(code, msg)
	}
	return ftpclient.SuccessReply()
}

func (c *Client) Write(block []byte, asciiBuf []byte, length int) (int, ftpclient.Reply) {
	if c.dataConn == nil {
		return 0, ftpclient.ErrorReply(426, "no open data connection")
	}
	buf := block[:length]
	if asciiBuf != nil {
		buf = asciiBuf[:length]
	}
	n, err := c.dataConn.Write(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ftpclient.TimeoutReply(426, "write timeout")
		}
		return n, ftpclient.ErrorReply(426, "PIPE")
	}
	return n, ftpclient.SuccessReply()
}

func (c *Client) SendFile(f *os.File, offset *int64, length int64) (int64, ftpclient.Reply) {
	if c.dataConn == nil {
		return 0, ftpclient.ErrorReply(426, "no open data connection")
	}
	if _, err := f.Seek(*offset, io.SeekStart); err != nil {
		return 0, ftpclient.ErrorReply(426, fmt.Sprintf("seek: %v", err))
	}
	n, err := io.CopyN(c.dataConn, f, length)
	*offset += n
	if err != nil && err != io.EOF {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ftpclient.TimeoutReply(426, "sendfile timeout")
		}
		return n, ftpclient.ErrorReply(426, "PIPE")
	}
	return n, ftpclient.SuccessReply()
}

func (c *Client) CloseData(ctx context.Context) ftpclient.Reply {
	if c.dataConn != nil && !c.dataClosed {
		c.dataConn.Close()
		c.dataClosed = true
	}
	code, msg, err := c.tp.ReadResponse(2)
	if err != nil {
		return readErrorReply(err)
	}
	if code/100 != 2 {
		return ftpclient.ErrorReply(code, msg)
	}
	return ftpclient.SuccessReply()
}

func (c *Client) Size(ctx context.Context, name string) (int64, ftpclient.Reply) {
	code, msg, err := c.cmd(ctx, "SIZE %s", name)
	if err != nil {
		return 0, readErrorReply(err)
	}
	if code/100 != 2 {
		return 0, ftpclient.ErrorReply(code, msg)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(msg), 10, 64)
	if err != nil {
		return 0, ftpclient.ErrorReply(500, "malformed SIZE reply")
	}
	return size, ftpclient.SuccessReply()
}

func (c *Client) List(ctx context.Context, mode ftpclient.ListMode, cmdName, name string) (string, ftpclient.Reply) {
	addr, reply := c.pasv(ctx)
	if !reply.OK() {
		return "", reply
	}
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	dataConn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return "", dialErrorReply(err)
	}
	defer dataConn.Close()

	verb := "LIST"
	if mode == ftpclient.ListModeNlst {
		verb = "NLST"
	}
	if cmdName != "" {
		verb = cmdName
	}

	code, msg, err := c.cmd(ctx, "%s %s", verb, name)
	if err != nil {
		return "", readErrorReply(err)
	}
	if code/100 != 1 {
		return "", ftpclient.ErrorReply(code, msg)
	}

	data, err := io.ReadAll(dataConn)
	if err != nil {
		return "", ftpclient.ErrorReply(426, fmt.Sprintf("reading listing: %v", err))
	}

	code, msg, err = c.tp.ReadResponse(2)
	if err != nil {
		return "", readErrorReply(err)
	}
	if code/100 != 2 {
		return "", ftpclient.ErrorReply(code, msg)
	}
	return string(data), ftpclient.SuccessReply()
}

func (c *Client) Chmod(ctx context.Context, name, modeStr string) ftpclient.Reply {
	return c.simple(ctx, "SITE CHMOD %s %s", modeStr, name)
}

func (c *Client) SetDate(ctx context.Context, name string, mtime time.Time) ftpclient.Reply {
	return c.simple(ctx, "MFMT %s %s", mtime.UTC().Format("20060102150405"), name)
}

func (c *Client) Move(ctx context.Context, from, to string, fastMove, createDir bool, dirMode string) (string, ftpclient.Reply) {
	code, msg, err := c.cmd(ctx, "RNFR %s", from)
	if err != nil {
		return "", readErrorReply(err)
	}
	if code/100 != 3 {
		return "", ftpclient.ErrorReply(code, msg)
	}
	code, msg, err = c.cmd(ctx, "RNTO %s", to)
	if err != nil {
		return "", readErrorReply(err)
	}
	if code == 550 && createDir {
		dirPath := parentDir(to)
		if _, reply := c.CD(ctx, dirPath, true, dirMode); !reply.OK() {
			return "", reply
		}
		code, msg, err = c.cmd(ctx, "RNTO %s", to)
		if err != nil {
			return "", readErrorReply(err)
		}
		if code/100 != 2 {
			return "", ftpclient.ErrorReply(code, msg)
		}
		return dirPath, ftpclient.SuccessReply()
	}
	if code/100 != 2 {
		return "", ftpclient.ErrorReply(code, msg)
	}
	return "", ftpclient.SuccessReply()
}

func (c *Client) Dele(ctx context.Context, name string) ftpclient.Reply {
	return c.simple(ctx, "DELE %s", name)
}

func (c *Client) Keepalive(ctx context.Context) ftpclient.Reply {
	return c.simple(ctx, "STAT")
}

func (c *Client) Quit(ctx context.Context) ftpclient.Reply {
	reply := c.simple(ctx, "QUIT")
	c.conn.Close()
	return reply
}

// simple issues a command and reduces the response to a Reply, treating any
// 2xx/3xx as success.
func (c *Client) simple(ctx context.Context, format string, args ...interface{}) ftpclient.Reply {
	code, msg, err := c.cmd(ctx, format, args...)
	if err != nil {
		return readErrorReply(err)
	}
	if code/100 != 2 && code/100 != 3 {
		return ftpclient.ErrorReply(code, msg)
	}
	return ftpclient.SuccessReply()
}

func (c *Client) cmd(ctx context.Context, format string, args ...interface{}) (int, string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	id, err := c.tp.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	c.tp.StartResponse(id)
	defer c.tp.EndResponse(id)
	return c.tp.ReadResponse(0)
}

// pasv issues PASV and parses the "h1,h2,h3,h4,p1,p2" reply into a dial
// address (spec §4.2 data_open is passive-only in this implementation).
func (c *Client) pasv(ctx context.Context) (*net.TCPAddr, ftpclient.Reply) {
	code, msg, err := c.cmd(ctx, "PASV")
	if err != nil {
		return nil, readErrorReply(err)
	}
	if code != 227 {
		return nil, ftpclient.ErrorReply(code, msg)
	}
	addr, err := parsePasvReply(msg)
	if err != nil {
		return nil, ftpclient.ErrorReply(500, err.Error())
	}
	c.lastAddr = addr
	return addr, ftpclient.SuccessReply()
}

func parsePasvReply(msg string) (*net.TCPAddr, error) {
	open := strings.IndexByte(msg, '(')
	close := strings.IndexByte(msg, ')')
	if open < 0 || close < 0 || close < open {
		return nil, fmt.Errorf("malformed PASV reply: %q", msg)
	}
	parts := strings.Split(msg[open+1:close], ",")
	if len(parts) != 6 {
		return nil, fmt.Errorf("malformed PASV reply: %q", msg)
	}
	ip := strings.Join(parts[:4], ".")
	p1, err := strconv.Atoi(parts[4])
	if err != nil {
		return nil, err
	}
	p2, err := strconv.Atoi(parts[5])
	if err != nil {
		return nil, err
	}
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: p1*256 + p2}, nil
}

func parentDir(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func dialErrorReply(err error) ftpclient.Reply {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ftpclient.TimeoutReply(425, err.Error())
	}
	return ftpclient.ErrorReply(425, err.Error())
}

func readErrorReply(err error) ftpclient.Reply {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ftpclient.TimeoutReply(421, err.Error())
	}
	return ftpclient.ErrorReply(421, err.Error())
}
