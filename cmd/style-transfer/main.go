// Command style-transfer renders a content image in the style of another.
//
//	style-transfer [flags] <content path> <style path>
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/term"

	"github.com/openfluke/artstyle/engine"
	"github.com/openfluke/artstyle/errs"
)

// ANSI sequence that returns to column 0 and clears the line.
const clearLine = "\r\033[K"

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	inv, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "style-transfer: %v\n", err)
		return 2
	}
	logger := log.New(stderr, "", log.LstdFlags)

	tty := isTerminal(stderr)
	progress := func(ev engine.ProgressEvent) {
		if tty {
			fmt.Fprintf(stderr, "%siteration %d/%d  loss %.6g  %s", clearLine, ev.Iteration, inv.cfg.Iterations, ev.Loss, ev.Elapsed.Round(time.Millisecond))
		}
	}
	if tty {
		logger.SetOutput(statusFilter{w: stderr})
	}

	st, err := engine.NewStyleTransfer(inv.cfg, engine.TransferOptions{Logger: logger, Progress: progress})
	if err != nil {
		fmt.Fprintf(stderr, "style-transfer: %v\n", err)
		return 2
	}

	content, err := readImage(inv.content)
	if err != nil {
		fmt.Fprintf(stderr, "style-transfer: %v\n", err)
		return 1
	}
	style, err := readImage(inv.style)
	if err != nil {
		fmt.Fprintf(stderr, "style-transfer: %v\n", err)
		return 1
	}
	in := engine.Inputs{Content: content, Style: style}
	if inv.initImg != "" {
		if in.Init, err = readImage(inv.initImg); err != nil {
			fmt.Fprintf(stderr, "style-transfer: %v\n", err)
			return 1
		}
	}

	img, rep, err := st.Stylize(in)
	if tty {
		fmt.Fprintln(stderr)
	}
	if err != nil {
		fmt.Fprintf(stderr, "style-transfer: %v\n", err)
		if errs.IsConfiguration(err) {
			return 2
		}
		return 1
	}
	if err := writeImage(inv.artwork, img, inv.quality); err != nil {
		fmt.Fprintf(stderr, "style-transfer: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "%s\nsaved %s\n", rep, inv.artwork)
	return 0
}

// iterationLog marks the per-interval engine log lines.
var iterationLog = []byte("[engine] iteration ")

// statusFilter drops the per-interval engine log lines, which the terminal
// status line replaces, and writes every other entry over the status line.
type statusFilter struct {
	w io.Writer
}

func (f statusFilter) Write(p []byte) (int, error) {
	if bytes.Contains(p, iterationLog) {
		return len(p), nil
	}
	if _, err := io.WriteString(f.w, clearLine); err != nil {
		return 0, err
	}
	return f.w.Write(p)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func readImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IO(err, "open image").WithContext("path", path)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errs.UnsupportedInput("cannot decode %s: %v", path, err).WithCause(err)
	}
	return img, nil
}

// writeImage encodes img by the extension of path, JPEG for .jpg and .jpeg
// and PNG otherwise, creating the directory.
func writeImage(path string, img image.Image, quality int) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errs.IO(err, "create output directory").WithContext("path", dir)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errs.IO(err, "create artwork").WithContext("path", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: clampQuality(quality)})
	default:
		err = png.Encode(f, img)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errs.IO(err, "write artwork").WithContext("path", path)
	}
	return nil
}
