package renderer

import (
	"testing"

	"github.com/gdamore/tcell/v2"
)

func newSimEngine(t *testing.T, cols, rows int) (*TcellEngine, tcell.SimulationScreen) {
	t.Helper()
	screen := tcell.NewSimulationScreen("UTF-8")
	if err := screen.Init(); err != nil {
		t.Fatalf("init screen: %v", err)
	}
	t.Cleanup(screen.Fini)
	screen.SetSize(cols, rows)
	return NewTcellEngine(screen, cols, rows), screen
}

func rowText(screen tcell.SimulationScreen, y, width int) string {
	cells, w, _ := screen.GetContents()
	out := make([]rune, 0, width)
	for x := 0; x < width && x < w; x++ {
		cell := cells[y*w+x]
		if len(cell.Runes) == 0 {
			out = append(out, ' ')
			continue
		}
		out = append(out, cell.Runes[0])
	}
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	return string(out)
}

func TestEngineRendersDecodedLines(t *testing.T) {
	eng, screen := newSimEngine(t, 20, 5)

	eng.Write("hello\r\nworld\n")

	if got := rowText(screen, 0, 20); got != "hello" {
		t.Fatalf("row 0 = %q", got)
	}
	if got := rowText(screen, 1, 20); got != "world" {
		t.Fatalf("row 1 = %q", got)
	}
}

func TestEngineShowsNewestLinesWhenFull(t *testing.T) {
	eng, screen := newSimEngine(t, 20, 2)

	eng.Write("one\ntwo\nthree\n")

	if got := rowText(screen, 0, 20); got != "two" {
		t.Fatalf("row 0 = %q", got)
	}
	if got := rowText(screen, 1, 20); got != "three" {
		t.Fatalf("row 1 = %q", got)
	}
}

func TestEngineSetRowsNarrowsViewport(t *testing.T) {
	eng, screen := newSimEngine(t, 20, 4)

	eng.Write("alpha\nbeta\ngamma\n")
	eng.SetRows(1)

	if got := rowText(screen, 0, 20); got != "gamma" {
		t.Fatalf("row 0 after SetRows = %q", got)
	}

	cols, rows := eng.Size()
	if cols != 20 || rows != 1 {
		t.Fatalf("SetRows touched columns: %dx%d", cols, rows)
	}
}

func TestEnginePartialLineIsVisible(t *testing.T) {
	eng, screen := newSimEngine(t, 20, 3)

	eng.Write("done\nprompt$ ")

	if got := rowText(screen, 0, 20); got != "done" {
		t.Fatalf("row 0 = %q", got)
	}
	if got := rowText(screen, 1, 20); got != "prompt$" {
		t.Fatalf("row 1 = %q", got)
	}
}
