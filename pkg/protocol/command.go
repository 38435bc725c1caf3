package protocol

import (
	"strings"
	"unicode"
)

// Frame returns text as wire bytes ending in exactly one Terminator.
// Any trailing CR/LF run supplied by the caller is replaced.
func Frame(text string) []byte {
	return []byte(strings.TrimRight(text, "\r\n") + Terminator)
}

// Decode turns received bytes into display text, dropping byte sequences
// that are not valid UTF-8.
func Decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "")
}

// Status returns the leading status word of a server reply such as
// "ACK: Task queued" or "SIGNUP: SUCCESS". It returns "" when the reply
// does not start with an upper-case word followed by a colon.
func Status(reply string) string {
	reply = strings.TrimSpace(reply)
	idx := strings.IndexByte(reply, ':')
	if idx <= 0 {
		return ""
	}
	word := reply[:idx]
	for _, r := range word {
		if !unicode.IsUpper(r) && r != '_' {
			return ""
		}
	}
	return word
}

func Signup(user, pass string) string { return CmdSignup + " " + user + " " + pass }

func Login(user, pass string) string { return CmdLogin + " " + user + " " + pass }

func Upload(name string) string { return CmdUpload + " " + name }

func Download(name string) string { return CmdDownload + " " + name }

func Delete(name string) string { return CmdDelete + " " + name }

func List() string { return CmdList }

func Quit() string { return CmdQuit }
