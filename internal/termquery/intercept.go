// Package termquery answers terminal device and color queries found in raw
// PTY output so programs blocked on a reply keep running without a real
// terminal emulator on the other end.
package termquery

import "strings"

const (
	esc = 0x1b
	bel = 0x07

	// maxPendingCSI and maxPendingOSC bound how much of an unterminated
	// sequence is held for the next call before it is passed through as text.
	maxPendingCSI = 64
	maxPendingOSC = 512
)

// Fixed replies. The cursor is always reported at 1;1 since the screen is not
// modelled.
const (
	replyDA1    = "\x1b[?1;2c"
	replyDA2    = "\x1b[>0;276;0c"
	replyDSR    = "\x1b[0n"
	replyCPR    = "\x1b[1;1R"
	replyDECCPR = "\x1b[?1;1R"
)

var csiReplies = map[string]string{
	"\x1b[c":   replyDA1,
	"\x1b[0c":  replyDA1,
	"\x1b[>c":  replyDA2,
	"\x1b[>0c": replyDA2,
	"\x1b[5n":  replyDSR,
	"\x1b[6n":  replyCPR,
	"\x1b[?6n": replyDECCPR,
}

// Kind names a recognised query, used for logging.
type Kind string

const (
	KindDA1        Kind = "da1"
	KindDA2        Kind = "da2"
	KindDSR        Kind = "dsr"
	KindCPR        Kind = "cpr"
	KindForeground Kind = "fg"
	KindBackground Kind = "bg"
	KindCursor     Kind = "cursor"
)

var csiKinds = map[string]Kind{
	"\x1b[c":   KindDA1,
	"\x1b[0c":  KindDA1,
	"\x1b[>c":  KindDA2,
	"\x1b[>0c": KindDA2,
	"\x1b[5n":  KindDSR,
	"\x1b[6n":  KindCPR,
	"\x1b[?6n": KindCPR,
}

// Result is the outcome of one Intercept call.
type Result struct {
	// Clean is the output with every answered query removed.
	Clean string
	// Reply is the concatenated answers to write back to the process.
	Reply string
	// Pending is an incomplete trailing escape sequence to pass to the next call.
	Pending string
	// Answered lists the queries found, in order.
	Answered []Kind
}

// Intercept strips and answers queries in pending+data. It is pure: all
// carry-over state travels through pending and Result.Pending.
func Intercept(data, pending string, theme Theme) Result {
	s := data
	if pending != "" {
		s = pending + data
	}
	if strings.IndexByte(s, esc) < 0 {
		return Result{Clean: s}
	}

	var clean, reply strings.Builder
	var res Result
	clean.Grow(len(s))

	last := 0
	for i := 0; i < len(s); {
		if s[i] != esc {
			i++
			continue
		}
		n, answer, kind, complete := matchAt(s, i, theme)
		if !complete {
			clean.WriteString(s[last:i])
			res.Pending = s[i:]
			last = len(s)
			break
		}
		if answer == "" {
			i += n
			continue
		}
		clean.WriteString(s[last:i])
		reply.WriteString(answer)
		res.Answered = append(res.Answered, kind)
		i += n
		last = i
	}
	if last < len(s) {
		clean.WriteString(s[last:])
	}

	res.Clean = clean.String()
	res.Reply = reply.String()
	return res
}

// matchAt inspects the escape sequence starting at s[i]. It returns the
// sequence length, the reply ("" when the sequence is not a query), and
// whether the sequence is complete. An unterminated sequence at the end of s
// is reported incomplete only while it is short enough to still be a query.
func matchAt(s string, i int, theme Theme) (int, string, Kind, bool) {
	if i+1 >= len(s) {
		return 1, "", "", false
	}
	switch s[i+1] {
	case '[':
		return matchCSI(s, i)
	case ']':
		return matchOSC(s, i, theme)
	default:
		return 1, "", "", true
	}
}

func matchCSI(s string, i int) (int, string, Kind, bool) {
	j := i + 2
	for j < len(s) {
		c := s[j]
		switch {
		case c >= 0x20 && c <= 0x3f:
			j++
			continue
		case c >= 0x40 && c <= 0x7e:
			seq := s[i : j+1]
			if r, ok := csiReplies[seq]; ok {
				return len(seq), r, csiKinds[seq], true
			}
			return len(seq), "", "", true
		default:
			// Not a well-formed CSI; pass the introducer through.
			return 1, "", "", true
		}
	}
	if len(s)-i > maxPendingCSI {
		return 1, "", "", true
	}
	return len(s) - i, "", "", false
}

func matchOSC(s string, i int, theme Theme) (int, string, Kind, bool) {
	start := i + 2
	for j := start; j < len(s); j++ {
		switch s[j] {
		case bel:
			return oscReply(s[start:j], string(rune(bel)), j+1-i, theme)
		case esc:
			if j+1 >= len(s) {
				break
			}
			if s[j+1] == '\\' {
				return oscReply(s[start:j], "\x1b\\", j+2-i, theme)
			}
			// A new escape aborts the OSC.
			return j - i, "", "", true
		}
	}
	if len(s)-i > maxPendingOSC {
		return 1, "", "", true
	}
	return len(s) - i, "", "", false
}

func oscReply(body, term string, n int, theme Theme) (int, string, Kind, bool) {
	var kind Kind
	var hex string
	switch body {
	case "10;?":
		kind, hex = KindForeground, theme.Foreground
	case "11;?":
		kind, hex = KindBackground, theme.Background
	case "12;?":
		kind, hex = KindCursor, theme.Cursor
	default:
		return n, "", "", true
	}
	return n, "\x1b]" + body[:2] + ";" + xtermColor(hex) + term, kind, true
}
