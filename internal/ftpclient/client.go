// Package ftpclient declares the FTP Client Interface (FCI) the transfer
// worker consumes. The production wire implementation lives in the wire
// subpackage; the faketp subpackage backs end-to-end tests with an
// in-process server speaking the same command subset.
package ftpclient

import (
	"context"
	"os"
	"time"
)

// DataMode selects how a data-channel transfer is opened.
type DataMode int

const (
	ModeStore DataMode = iota
	ModeAppend
	ModeRetrieve
)

// Direction disambiguates a data_open call's transfer direction.
type Direction int

const (
	DirectionUpload Direction = iota
	DirectionDownload
)

// ListMode selects the directory-listing command family.
type ListMode int

const (
	ListModeList ListMode = iota
	ListModeNlst
)

// ProxyStep is one command in a proxy-login sequence (spec §4.3 LOGIN:
// "delegate to the proxy-login subroutine — a sequence of site-specific
// user/pass/acct/exec steps").
type ProxyStep struct {
	Command string
	Arg     string
}

// Client is the typed FTP/FTPS operation set the worker drives. Every
// method returns a Reply whose Code is Success on a 2xx/3xx server
// response, or the raw protocol code (>= 400) otherwise, with Timeout set
// when the underlying I/O deadline fired (spec §4.2: "When timeout_flag ==
// ON, escalate to the timeout branch of the error taxonomy").
type Client interface {
	Connect(ctx context.Context, host string, port int, implicitTLS, strictVerify, legacyReneg bool) Reply
	AuthTLS(ctx context.Context, strict, legacy bool) Reply
	User(ctx context.Context, name string) Reply
	Pass(ctx context.Context, password string) Reply
	ProxyLogin(ctx context.Context, steps []ProxyStep) Reply
	Idle(ctx context.Context, timeout time.Duration) Reply
	Type(ctx context.Context, mode byte) Reply
	UTF8On(ctx context.Context) Reply
	CD(ctx context.Context, path string, createIfMissing bool, dirMode string) (createdPath string, reply Reply)
	Exec(ctx context.Context, siteCmd, arg string) Reply
	DataOpen(ctx context.Context, name string, appendOffset int64, mode DataMode, direction Direction, sndbuf int, createDir bool, dirMode string) (createdPath string, reply Reply)
	AuthData(ctx context.Context) Reply
	Write(block []byte, asciiBuf []byte, length int) (n int, reply Reply)
	SendFile(f *os.File, offset *int64, length int64) (sent int64, reply Reply)
	CloseData(ctx context.Context) Reply
	Size(ctx context.Context, name string) (size int64, reply Reply)
	List(ctx context.Context, mode ListMode, cmd, name string) (line string, reply Reply)
	Chmod(ctx context.Context, name, modeStr string) Reply
	SetDate(ctx context.Context, name string, mtime time.Time) Reply
	Move(ctx context.Context, from, to string, fastMove, createDir bool, dirMode string) (createdPath string, reply Reply)
	Dele(ctx context.Context, name string) Reply
	Keepalive(ctx context.Context) Reply
	Quit(ctx context.Context) Reply
}
