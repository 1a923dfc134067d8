package vt

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/vibetunnel/server/internal/vterr"
)

const (
	magic0 = 'V'
	magic1 = 'T'

	snapshotVersion = 1

	rowEmpty   byte = 0
	rowContent byte = 1
)

// Row is one line of the viewport: a sequence of same-styled runs. An
// empty Runs slice represents a blank row, encoded with the single
// rowEmpty marker byte rather than a zero-length run list.
type Row struct {
	Runs []TextRun
}

// TextRun is one span of identically-styled characters within a row,
// repeated Repeat times. Repeat is above 1 only when the rendered row
// re-emits the same style and the same text in consecutive SGR spans;
// blank cells stay as spaces inside Text.
type TextRun struct {
	Repeat uint64
	Bold   bool
	Dim    bool
	Italic bool
	Under  bool
	Rev    bool
	FG, BG byte
	Text   string
}

func (t TextRun) toStyle() style {
	s := style{fg: t.FG, bg: t.BG}
	if t.Bold {
		s.attrs |= attrBold
	}
	if t.Dim {
		s.attrs |= attrDim
	}
	if t.Italic {
		s.attrs |= attrItalic
	}
	if t.Under {
		s.attrs |= attrUnderline
	}
	if t.Rev {
		s.attrs |= attrReverse
	}
	return s
}

func fromStyle(s style) (bold, dim, italic, under, rev bool) {
	return s.attrs&attrBold != 0, s.attrs&attrDim != 0, s.attrs&attrItalic != 0,
		s.attrs&attrUnderline != 0, s.attrs&attrReverse != 0
}

// Snapshot is the compact binary viewport image.
type Snapshot struct {
	Version byte
	Cols    uint16
	Rows    uint16
	CursorX uint16
	CursorY uint16
	Origin  uint32
	RowData []Row
}

// Capture builds a Snapshot from the emulator's current viewport.
func Capture(e *Emulator) *Snapshot {
	cols, rows := e.Size()
	cx, cy := e.CursorPosition()
	grid := e.renderGrid()
	lines := strings.Split(strings.TrimPrefix(grid, "\x1b[m\x1b[H"), "\n")

	snap := &Snapshot{
		Version: snapshotVersion,
		Cols:    uint16(cols),
		Rows:    uint16(rows),
		CursorX: uint16(cx),
		CursorY: uint16(cy),
		Origin:  uint32(e.ScrollbackLen()),
	}
	for i := 0; i < rows; i++ {
		var line string
		if i < len(lines) {
			line = strings.TrimSuffix(lines[i], "\r")
		}
		snap.RowData = append(snap.RowData, rowFromLine(line))
	}
	return snap
}

func rowFromLine(line string) Row {
	parsed := splitRuns(line)
	row := Row{}
	var i int
	for i < len(parsed) {
		r := parsed[i]
		repeat := uint64(1)
		j := i + 1
		for j < len(parsed) && parsed[j].style == r.style && parsed[j].text == r.text {
			repeat++
			j++
		}
		bold, dim, italic, under, rev := fromStyle(r.style)
		row.Runs = append(row.Runs, TextRun{
			Repeat: repeat,
			Bold:   bold, Dim: dim, Italic: italic, Under: under, Rev: rev,
			FG:   r.style.fg, BG: r.style.bg,
			Text: r.text,
		})
		i = j
	}
	return row
}

// IsEmpty reports whether the row has no visible runs.
func (r Row) IsEmpty() bool {
	for _, run := range r.Runs {
		if strings.TrimSpace(run.Text) != "" {
			return false
		}
	}
	return true
}

// Encode serializes the Snapshot into its wire format.
func (s *Snapshot) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(magic0)
	buf.WriteByte(magic1)
	buf.WriteByte(s.Version)
	writeU16(&buf, s.Cols)
	writeU16(&buf, s.Rows)
	writeU16(&buf, s.CursorX)
	writeU16(&buf, s.CursorY)
	writeU32(&buf, s.Origin)

	var tmp [binary.MaxVarintLen64]byte
	for _, row := range s.RowData {
		if row.IsEmpty() {
			buf.WriteByte(rowEmpty)
			continue
		}
		buf.WriteByte(rowContent)
		n := binary.PutUvarint(tmp[:], uint64(len(row.Runs)))
		buf.Write(tmp[:n])
		for _, run := range row.Runs {
			n = binary.PutUvarint(tmp[:], run.Repeat)
			buf.Write(tmp[:n])
			st := run.toStyle()
			packed := st.pack()
			buf.Write(packed[:])
			textBytes := []byte(run.Text)
			n = binary.PutUvarint(tmp[:], uint64(len(textBytes)))
			buf.Write(tmp[:n])
			buf.Write(textBytes)
		}
	}
	return buf.Bytes()
}

// Decode parses the wire format produced by Encode.
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < 13 || data[0] != magic0 || data[1] != magic1 {
		return nil, vterr.New(vterr.BadFrame, "vt: bad snapshot magic")
	}
	s := &Snapshot{Version: data[2]}
	r := bytes.NewReader(data[3:])

	var cols, rows, cx, cy uint16
	var origin uint32
	if err := binary.Read(r, binary.BigEndian, &cols); err != nil {
		return nil, vterr.Wrap(vterr.BadFrame, err)
	}
	if err := binary.Read(r, binary.BigEndian, &rows); err != nil {
		return nil, vterr.Wrap(vterr.BadFrame, err)
	}
	if err := binary.Read(r, binary.BigEndian, &cx); err != nil {
		return nil, vterr.Wrap(vterr.BadFrame, err)
	}
	if err := binary.Read(r, binary.BigEndian, &cy); err != nil {
		return nil, vterr.Wrap(vterr.BadFrame, err)
	}
	if err := binary.Read(r, binary.BigEndian, &origin); err != nil {
		return nil, vterr.Wrap(vterr.BadFrame, err)
	}
	s.Cols, s.Rows, s.CursorX, s.CursorY, s.Origin = cols, rows, cx, cy, origin

	for i := 0; i < int(rows); i++ {
		marker, err := r.ReadByte()
		if err != nil {
			return nil, vterr.New(vterr.BadFrame, "vt: truncated snapshot at row %d", i)
		}
		if marker == rowEmpty {
			s.RowData = append(s.RowData, Row{})
			continue
		}
		runCount, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, vterr.Wrap(vterr.BadFrame, err)
		}
		row := Row{}
		for j := uint64(0); j < runCount; j++ {
			repeat, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, vterr.Wrap(vterr.BadFrame, err)
			}
			var packed [4]byte
			if _, err := r.Read(packed[:]); err != nil {
				return nil, vterr.Wrap(vterr.BadFrame, err)
			}
			st := unpackStyle(packed)
			textLen, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, vterr.Wrap(vterr.BadFrame, err)
			}
			text := make([]byte, textLen)
			if textLen > 0 {
				if _, err := r.Read(text); err != nil {
					return nil, vterr.Wrap(vterr.BadFrame, err)
				}
			}
			bold, dim, italic, under, rev := fromStyle(st)
			row.Runs = append(row.Runs, TextRun{
				Repeat: repeat,
				Bold:   bold, Dim: dim, Italic: italic, Under: under, Rev: rev,
				FG:   st.fg, BG: st.bg,
				Text: string(text),
			})
		}
		s.RowData = append(s.RowData, row)
	}
	return s, nil
}

// Text decodes the Snapshot's viewport into plain text, one line per row.
// When styled is true, each run is re-wrapped in the SGR sequence that
// reproduces its style (`GET /sessions/:id/text?styles=`).
func (s *Snapshot) Text(styled bool) string {
	var b strings.Builder
	for i, row := range s.RowData {
		if i > 0 {
			b.WriteByte('\n')
		}
		for _, run := range row.Runs {
			if styled {
				b.WriteString(sgrPrefix(run))
			}
			for k := uint64(0); k < run.Repeat; k++ {
				b.WriteString(run.Text)
			}
			if styled {
				b.WriteString("\x1b[0m")
			}
		}
	}
	return b.String()
}

func sgrPrefix(t TextRun) string {
	var parts []string
	if t.Bold {
		parts = append(parts, "1")
	}
	if t.Dim {
		parts = append(parts, "2")
	}
	if t.Italic {
		parts = append(parts, "3")
	}
	if t.Under {
		parts = append(parts, "4")
	}
	if t.Rev {
		parts = append(parts, "7")
	}
	if t.FG != 0 {
		parts = append(parts, "38;5;"+uitoa(uint(t.FG)-1))
	}
	if t.BG != 0 {
		parts = append(parts, "48;5;"+uitoa(uint(t.BG)-1))
	}
	if len(parts) == 0 {
		return ""
	}
	return "\x1b[" + strings.Join(parts, ";") + "m"
}

func uitoa(n uint) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
