package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrBinaryMissing wraps a failed spawn of an external OCR binary.
var ErrBinaryMissing = errors.New("required binary not installed")

// TesseractConfig tunes the subprocess driver.
type TesseractConfig struct {
	Language   string        // tesseract -l (default pol)
	PSM        int           // page segmentation mode (default 3)
	OEM        int           // engine mode (default 1)
	Timeout    time.Duration // per-invocation wall clock (default 60s)
	PDFDPI     int           // pdftoppm rasterization dpi (default 200)
	PDFTimeout time.Duration // pdftoppm wall clock (default 120s)
	MaxPages   int           // rasterized page cap (default 30)
}

func (c *TesseractConfig) defaults() {
	if c.Language == "" {
		c.Language = "pol"
	}
	if c.PSM == 0 {
		c.PSM = 3
	}
	if c.OEM == 0 {
		c.OEM = 1
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.PDFDPI == 0 {
		c.PDFDPI = 200
	}
	if c.PDFTimeout == 0 {
		c.PDFTimeout = 120 * time.Second
	}
	if c.MaxPages == 0 {
		c.MaxPages = 30
	}
}

// TesseractDriver shells out to the tesseract binary, with a pdftoppm
// rasterization chain as the PDF fallback. Argument vectors only, never a
// shell string.
type TesseractDriver struct {
	cfg    TesseractConfig
	logger *zap.Logger
}

// NewTesseractDriver creates a subprocess OCR driver.
func NewTesseractDriver(cfg TesseractConfig, logger *zap.Logger) *TesseractDriver {
	cfg.defaults()
	return &TesseractDriver{cfg: cfg, logger: logger}
}

// extensionFor infers the temp-file extension from the MIME type.
func extensionFor(fileType string) string {
	ft := strings.ToLower(fileType)
	switch {
	case strings.Contains(ft, "pdf"):
		return ".pdf"
	case strings.Contains(ft, "png"):
		return ".png"
	case strings.Contains(ft, "jpg"), strings.Contains(ft, "jpeg"):
		return ".jpg"
	case strings.Contains(ft, "tif"):
		return ".tif"
	default:
		return ".bin"
	}
}

// Recognize runs OCR over the document bytes and returns the recognized text.
func (d *TesseractDriver) Recognize(ctx context.Context, content []byte, fileType string) (string, error) {
	tmpDir, err := os.MkdirTemp("", "faktury-ocr-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	ext := extensionFor(fileType)
	inputPath := filepath.Join(tmpDir, "input"+ext)
	if err := os.WriteFile(inputPath, content, 0600); err != nil {
		return "", fmt.Errorf("failed to write input file: %w", err)
	}

	text, err := d.runTesseract(ctx, inputPath)
	if err == nil {
		return text, nil
	}

	// PDFs frequently fail direct OCR; rasterize and retry page by page.
	// Spawn errors are not retried: a missing binary stays missing.
	if ext == ".pdf" && !errors.Is(err, ErrBinaryMissing) {
		d.logger.Debug("Direct tesseract on PDF failed, rasterizing", zap.Error(err))
		return d.recognizePDF(ctx, tmpDir, inputPath)
	}
	return "", err
}

// runTesseract invokes the binary with a wall-clock kill timeout.
func (d *TesseractDriver) runTesseract(ctx context.Context, inputPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tesseract",
		inputPath, "stdout",
		"-l", d.cfg.Language,
		"--psm", strconv.Itoa(d.cfg.PSM),
		"--oem", strconv.Itoa(d.cfg.OEM),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: tesseract (install tesseract-ocr)", ErrBinaryMissing)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("tesseract (timeout)")
		}
		return "", fmt.Errorf("tesseract failed: %s", strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// recognizePDF rasterizes with pdftoppm and OCRs each page, concatenating
// page texts with newlines.
func (d *TesseractDriver) recognizePDF(ctx context.Context, tmpDir, pdfPath string) (string, error) {
	pdfCtx, cancel := context.WithTimeout(ctx, d.cfg.PDFTimeout)
	defer cancel()

	prefix := filepath.Join(tmpDir, "page")
	cmd := exec.CommandContext(pdfCtx, "pdftoppm",
		"-png", "-r", strconv.Itoa(d.cfg.PDFDPI), pdfPath, prefix)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: pdftoppm (install poppler-utils)", ErrBinaryMissing)
		}
		if pdfCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("pdftoppm (timeout)")
		}
		return "", fmt.Errorf("pdftoppm failed: %s", strings.TrimSpace(stderr.String()))
	}

	pages, err := listPageImages(tmpDir, "page")
	if err != nil {
		return "", err
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("pdftoppm produced no page images")
	}
	if len(pages) > d.cfg.MaxPages {
		pages = pages[:d.cfg.MaxPages]
	}

	var texts []string
	for _, page := range pages {
		text, err := d.runTesseract(ctx, page)
		if err != nil {
			return "", fmt.Errorf("page %s: %w", filepath.Base(page), err)
		}
		texts = append(texts, text)
	}
	return strings.Join(texts, "\n"), nil
}

// listPageImages returns page-NNN.png files sorted by their numeric suffix.
func listPageImages(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list page images: %w", err)
	}

	type page struct {
		path string
		num  int
	}
	var pages []page
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ".png") {
			continue
		}
		numPart := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"-"), ".png")
		n, err := strconv.Atoi(numPart)
		if err != nil {
			continue
		}
		pages = append(pages, page{path: filepath.Join(dir, name), num: n})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].num < pages[j].num })

	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = p.path
	}
	return out, nil
}
