package wbtrace

import (
	"strings"
)

// RangeRef is a parsed A1-notation range. Columns and rows are 1-based and
// normalized so Start <= End on both axes. An empty Sheet matches any sheet.
type RangeRef struct {
	Sheet    string
	StartCol int
	StartRow int
	EndCol   int
	EndRow   int
}

// ParseRangeRef parses "A1", "A1:B10", "Sheet1!A1:B10" or
// "'My Sheet'!C3". It reports false for anything that is not
// well-formed A1-notation.
func ParseRangeRef(ref string) (RangeRef, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return RangeRef{}, false
	}
	var out RangeRef
	if i := strings.LastIndex(ref, "!"); i >= 0 {
		sheet := strings.TrimSpace(ref[:i])
		if len(sheet) >= 2 && strings.HasPrefix(sheet, "'") && strings.HasSuffix(sheet, "'") {
			sheet = strings.ReplaceAll(sheet[1:len(sheet)-1], "''", "'")
		}
		if sheet == "" {
			return RangeRef{}, false
		}
		out.Sheet = sheet
		ref = ref[i+1:]
	}

	start := ref
	end := ref
	if i := strings.Index(ref, ":"); i >= 0 {
		start = ref[:i]
		end = ref[i+1:]
	}
	startCol, startRow, ok := parseCellRef(start)
	if !ok {
		return RangeRef{}, false
	}
	endCol, endRow, ok := parseCellRef(end)
	if !ok {
		return RangeRef{}, false
	}
	if startCol > endCol {
		startCol, endCol = endCol, startCol
	}
	if startRow > endRow {
		startRow, endRow = endRow, startRow
	}
	out.StartCol, out.StartRow = startCol, startRow
	out.EndCol, out.EndRow = endCol, endRow
	return out, true
}

// parseCellRef parses a single "$B$12"-style cell into 1-based column and
// row numbers. Absolute-reference dollars are ignored.
func parseCellRef(cell string) (col, row int, ok bool) {
	cell = strings.TrimSpace(cell)
	i := 0
	if i < len(cell) && cell[i] == '$' {
		i++
	}
	colStart := i
	for i < len(cell) && isColLetter(cell[i]) {
		col = col*26 + int(upperLetter(cell[i])-'A') + 1
		i++
	}
	if i == colStart || col > 16384 {
		return 0, 0, false
	}
	if i < len(cell) && cell[i] == '$' {
		i++
	}
	rowStart := i
	for i < len(cell) && cell[i] >= '0' && cell[i] <= '9' {
		row = row*10 + int(cell[i]-'0')
		if row > 1048576 {
			return 0, 0, false
		}
		i++
	}
	if i == rowStart || i != len(cell) || row == 0 {
		return 0, 0, false
	}
	return col, row, true
}

func isColLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

func upperLetter(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

// Intersects reports whether two parsed ranges share at least one cell.
// A ref without a sheet qualifier intersects refs on any sheet.
func (r RangeRef) Intersects(other RangeRef) bool {
	if r.Sheet != "" && other.Sheet != "" && !strings.EqualFold(r.Sheet, other.Sheet) {
		return false
	}
	if r.EndCol < other.StartCol || other.EndCol < r.StartCol {
		return false
	}
	if r.EndRow < other.StartRow || other.EndRow < r.StartRow {
		return false
	}
	return true
}

// ResolveRange maps a changed cell address to the first tracked range it
// falls inside, in list order. When either side cannot be parsed as
// A1-notation the comparison degrades to a case-insensitive substring
// check in both directions, which keeps free-form range expressions
// (named ranges, table references) usable.
func ResolveRange(address string, ranges []TrackedRange) (TrackedRange, bool) {
	addrRef, addrOK := ParseRangeRef(address)
	for _, tracked := range ranges {
		if trackedRef, ok := ParseRangeRef(tracked.Range); ok && addrOK {
			if addrRef.Intersects(trackedRef) {
				return tracked, true
			}
			continue
		}
		if looseRangeMatch(address, tracked.Range) {
			return tracked, true
		}
	}
	return TrackedRange{}, false
}

func looseRangeMatch(address, rangeExpr string) bool {
	a := strings.ToLower(strings.TrimSpace(address))
	b := strings.ToLower(strings.TrimSpace(rangeExpr))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
