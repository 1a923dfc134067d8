package vt

import "strconv"

// style packs foreground, background and attributes into the 4-byte
// per-run style field: attrs, fg, bg, and a reserved byte for future
// use. fg and bg hold a 256-color palette index plus one, so 0 means the
// default color; palette entry 255 does not fit and is clamped to 254.
// Truecolor SGR sequences are quantized down to a 6x6x6 color-cube
// palette entry — the snapshot format favors being tiny over being
// colorimetrically exact.
type style struct {
	attrs byte
	fg byte
	bg byte
}

const (
	attrBold byte = 1 << iota
	attrDim
	attrItalic
	attrUnderline
	attrReverse
)

func (s style) pack() [4]byte {
	return [4]byte{s.attrs, s.fg, s.bg, 0}
}

func unpackStyle(b [4]byte) style {
	return style{attrs: b[0], fg: b[1], bg: b[2]}
}

// run is a maximal span of consecutively-styled text within one row.
type run struct {
	style style
	text string
}

// splitRuns walks a single rendered row (ANSI SGR sequences interleaved
// with plain text, as produced by Emulator.renderGrid per line) and
// returns the run-length-encoded style spans. Unrecognized escape
// sequences are skipped without affecting the current style.
func splitRuns(line string) []run {
	var runs []run
	cur:= style{}
	var text []rune
	flush:= func() {
		if len(text) > 0 {
			runs = append(runs, run{style: cur, text: string(text)})
			text = text[:0]
		}
	}

	rs:= []rune(line)
	for i:= 0; i < len(rs); i++ {
		c:= rs[i]
		if c == 0x1b && i+1 < len(rs) && rs[i+1] == '[' {
			j:= i + 2
			for j < len(rs) && !isFinalByte(rs[j]) {
				j++
			}
			if j < len(rs) && rs[j] == 'm' {
				flush()
				applySGR(&cur, string(rs[i+2:j]))
			}
			i = j
			continue
		}
		text = append(text, c)
	}
	flush()
	return runs
}

func isFinalByte(r rune) bool { return r >= 0x40 && r <= 0x7e }

func applySGR(cur *style, params string) {
	if params == "" {
		*cur = style{}
		return
	}
	fields:= splitParams(params)
	for i:= 0; i < len(fields); i++ {
		n:= fields[i]
		switch {
		case n == 0:
			*cur = style{}
		case n == 1:
			cur.attrs |= attrBold
		case n == 2:
			cur.attrs |= attrDim
		case n == 3:
			cur.attrs |= attrItalic
		case n == 4:
			cur.attrs |= attrUnderline
		case n == 7:
			cur.attrs |= attrReverse
		case n == 22:
			cur.attrs &^= attrBold | attrDim
		case n == 23:
			cur.attrs &^= attrItalic
		case n == 24:
			cur.attrs &^= attrUnderline
		case n == 27:
			cur.attrs &^= attrReverse
		case n >= 30 && n <= 37:
			cur.fg = byte(n-30) + 1
		case n == 38:
			i = consumeExtendedColor(fields, i, &cur.fg)
		case n == 39:
			cur.fg = 0
		case n >= 40 && n <= 47:
			cur.bg = byte(n-40) + 1
		case n == 48:
			i = consumeExtendedColor(fields, i, &cur.bg)
		case n == 49:
			cur.bg = 0
		case n >= 90 && n <= 97:
			cur.fg = byte(n-90) + 9
		case n >= 100 && n <= 107:
			cur.bg = byte(n-100) + 9
		}
	}
}

// consumeExtendedColor handles `38;5;N` (256-color) and `38;2;r;g;b`
// (truecolor, quantized to the 216-color cube) forms, returning the
// index of the last field consumed.
func consumeExtendedColor(fields []int, i int, target *byte) int {
	if i+1 >= len(fields) {
		return i
	}
	switch fields[i+1] {
	case 5:
		if i+2 < len(fields) {
			*target = clampPaletteIndex(fields[i+2] + 1)
			return i + 2
		}
	case 2:
		if i+4 < len(fields) {
			r, g, b:= fields[i+2], fields[i+3], fields[i+4]
			*target = quantizeRGB(r, g, b) + 1
			return i + 4
		}
	}
	return i + 1
}

func clampPaletteIndex(n int) byte {
	if n < 0 {
		return 0
	}
	if n > 255 {
		return 255
	}
	return byte(n)
}

// quantizeRGB maps 24-bit color onto xterm's 6x6x6 color cube (indices
// 16-231), a lossy but visually reasonable compression to 1 byte.
func quantizeRGB(r, g, b int) byte {
	q:= func(v int) int {
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		return v * 5 / 255
	}
	ri, gi, bi:= q(r), q(g), q(b)
	return byte(16 + 36*ri + 6*gi + bi)
}

func splitParams(s string) []int {
	var out []int
	start:= 0
	for i:= 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ';' {
			part:= s[start:i]
			if part == "" {
				out = append(out, 0)
			} else if n, err:= strconv.Atoi(part); err == nil {
				out = append(out, n)
			}
			start = i + 1
		}
	}
	return out
}
