package ingest

import "unicode/utf8"

// bomRune is the byte-order-mark artifact some encoders leave at the start
// of a file. After decoding it shows up as a leading U+FEFF in the first
// cell of the first row.
const bomRune = '\uFEFF'

// stripBOM removes exactly one leading byte-order mark from the first cell
// of row, if present. The cell may become empty. Rows after the first must
// never be passed here; a data cell is allowed to start with U+FEFF.
func stripBOM(row []string) {
	if len(row) == 0 {
		return
	}
	if r, size := utf8.DecodeRuneInString(row[0]); r == bomRune {
		row[0] = row[0][size:]
	}
}

// normalizeRow guarantees a non-nil row. The tokenizer contract allows nil
// slices for rows it could not fully form.
func normalizeRow(row []string) []string {
	if row == nil {
		return []string{}
	}
	return row
}
