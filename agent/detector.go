package agent

import "strings"

const fence = "```"

// CodeBlock is a complete fenced code block detected in model output.
type CodeBlock struct {
	Language string
	Code     string
}

// Detector is an incremental scanner for fenced code blocks in streamed
// model output. Fragments may split anywhere, including mid-delimiter. A
// block is complete once both its opening language tag and its closing
// fence have been observed; anything else is plain text.
type Detector struct {
	pending  string
	inBlock  bool
	language string
	code     strings.Builder
}

// NewDetector creates a Detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Feed consumes the next fragment and returns any plain text ready to emit
// plus any blocks completed by this fragment. Text that could still turn
// out to be part of a delimiter is held back until a later Feed or Flush
// settles it.
func (d *Detector) Feed(fragment string) (string, []CodeBlock) {
	d.pending += fragment

	var text strings.Builder
	var blocks []CodeBlock

	for {
		if !d.inBlock {
			idx := strings.Index(d.pending, fence)
			if idx == -1 {
				keep := trailingBackticks(d.pending)
				text.WriteString(d.pending[:len(d.pending)-keep])
				d.pending = d.pending[len(d.pending)-keep:]
				break
			}

			text.WriteString(d.pending[:idx])
			rest := d.pending[idx+len(fence):]
			nl := strings.IndexByte(rest, '\n')
			if nl == -1 {
				// Opening fence seen but the language tag line is not
				// complete yet.
				d.pending = fence + rest
				break
			}
			d.language = strings.TrimSpace(rest[:nl])
			d.inBlock = true
			d.code.Reset()
			d.pending = rest[nl+1:]
			continue
		}

		idx := strings.Index(d.pending, fence)
		if idx == -1 {
			keep := trailingBackticks(d.pending)
			d.code.WriteString(d.pending[:len(d.pending)-keep])
			d.pending = d.pending[len(d.pending)-keep:]
			break
		}

		d.code.WriteString(d.pending[:idx])
		blocks = append(blocks, CodeBlock{
			Language: d.language,
			Code:     strings.TrimSuffix(d.code.String(), "\n"),
		})
		d.inBlock = false
		d.language = ""
		d.code.Reset()
		d.pending = d.pending[idx+len(fence):]
	}

	return text.String(), blocks
}

// Flush returns whatever is still buffered as plain text and resets the
// detector. An unterminated block is returned verbatim, fence and all: at
// stream end it is text, not code.
func (d *Detector) Flush() string {
	var out string
	if d.inBlock {
		out = fence + d.language + "\n" + d.code.String() + d.pending
	} else {
		out = d.pending
	}
	d.pending = ""
	d.inBlock = false
	d.language = ""
	d.code.Reset()
	return out
}

// trailingBackticks counts the backticks at the end of s that could be the
// start of a fence split across fragments. At most two: three would have
// been found as a fence already.
func trailingBackticks(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '`' && n < 2; i-- {
		n++
	}
	return n
}
