// Package protocol defines the command words, defaults and line framing used
// when driving a dropbox-style storage server over a plain TCP stream.
package protocol

import "time"

const (
	// Default endpoint of the storage server
	DefaultHost = "127.0.0.1"
	DefaultPort = "8080"

	// Buffer sizes
	RecvChunkSize   = 4096             // bytes requested per read
	MaxResponseSize = 10 * 1024 * 1024 // cap on a single drained response

	// Line terminator for every command
	Terminator = "\n"

	// Commands
	CmdSignup   = "SIGNUP"   // SIGNUP <user> <pass>
	CmdLogin    = "LOGIN"    // LOGIN <user> <pass>
	CmdUpload   = "UPLOAD"   // UPLOAD <filename>, raw bytes follow
	CmdList     = "LIST"     // LIST
	CmdDownload = "DOWNLOAD" // DOWNLOAD <filename>, raw bytes come back
	CmdDelete   = "DELETE"   // DELETE <filename>
	CmdQuit     = "QUIT"     // QUIT

	// Session defaults
	DefaultUsername = "testuser"
	DefaultPassword = "testpass"
	DefaultFileName = "myfile.txt"
	DefaultPayload  = "hello-phase1-dropbox\n"
)

// Timeouts and settle delays
const (
	DialTimeout   = 5 * time.Second
	ReadTimeout   = 200 * time.Millisecond // idle window of a drain
	SettleTime    = 50 * time.Millisecond  // after a command line
	PayloadSettle = 50 * time.Millisecond  // after raw upload bytes
	WorkerWait    = 300 * time.Millisecond // lets the server's workers pick up the upload
	DownloadWait  = 200 * time.Millisecond
	DeleteWait    = 100 * time.Millisecond
	SessionGap    = 1 * time.Second // between sessions of a multi-connection plan
)
