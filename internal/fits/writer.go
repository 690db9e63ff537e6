// Package fits writes finished scans as FITS files: a primary header carrying
// the scan metadata followed by a binary table with Time and Intensity columns.
package fits

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

const (
	TableName = "SCAN"
	MimeType  = "FITS"

	fileTimeLayout = "20060102T150405.000Z"
)

// Snapshot is a temperature/unit reading taken at one end of a scan.
type Snapshot struct {
	Temperature float64
	Unit        string
}

// Scan is the input of Write.
type Scan struct {
	Times        []float64
	Intensities  []float64
	StartedAt    time.Time
	HardwareInfo string
	ErrorCodes   []int
	Initial      Snapshot
	End          Snapshot
}

// Artifact describes a written file.
type Artifact struct {
	ID       string
	Name     string
	Path     string
	URL      string
	Checksum string
	Size     int64
}

type Writer struct {
	logger   *zap.Logger
	dir      string
	httpHost string
	port     int
	index    int
}

func NewWriter(logger *zap.Logger, dir, httpHost string, port, index int) *Writer {
	return &Writer{
		logger:   logger,
		dir:      dir,
		httpHost: httpHost,
		port:     port,
		index:    index,
	}
}

func (w *Writer) Dir() string {
	return w.dir
}

// FileName is {index}-{timestamp}.fits.
func (w *Writer) FileName(startedAt time.Time) string {
	return fmt.Sprintf("%d-%s.fits", w.index, startedAt.UTC().Format(fileTimeLayout))
}

// URL is where the HTTP front end serves name.
func (w *Writer) URL(name string) string {
	return fmt.Sprintf("http://%s:%d/fits/%s", w.httpHost, w.port, name)
}

func (w *Writer) Write(scan Scan) (*Artifact, error) {
	if len(scan.Times) != len(scan.Intensities) {
		return nil, fmt.Errorf("column length mismatch: %d times, %d intensities",
			len(scan.Times), len(scan.Intensities))
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", w.dir, err)
	}

	name := w.FileName(scan.StartedAt)
	path := filepath.Join(w.dir, name)

	tmp, err := os.CreateTemp(w.dir, "."+name+".*")
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	sum := md5.New()
	counter := &countingWriter{}
	if err := encode(io.MultiWriter(tmp, sum, counter), scan); err != nil {
		tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("failed to move artifact into place: %w", err)
	}

	a := &Artifact{
		ID:       strings.TrimSuffix(name, filepath.Ext(name)),
		Name:     name,
		Path:     path,
		URL:      w.URL(name),
		Checksum: hex.EncodeToString(sum.Sum(nil)),
		Size:     counter.n,
	}

	w.logger.Info("Scan artifact written",
		zap.String("path", path),
		zap.Int("samples", len(scan.Times)),
		zap.String("size", humanize.Bytes(uint64(a.Size))),
		zap.String("md5", a.Checksum))

	return a, nil
}

func headerCards(scan Scan) []fitsio.Card {
	codes := make([]string, len(scan.ErrorCodes))
	for i, c := range scan.ErrorCodes {
		codes[i] = strconv.Itoa(c)
	}

	return []fitsio.Card{
		{Name: "HWINFO", Value: scan.HardwareInfo, Comment: "instrument identification"},
		{Name: "DERROR", Value: strings.Join(codes, ","), Comment: "device error codes"},
		{Name: "ITIME", Value: scan.StartedAt.UTC().Format(time.RFC3339Nano), Comment: "scan start"},
		{Name: "ITEMP", Value: scan.Initial.Temperature, Comment: "temperature at scan start"},
		{Name: "ETEMP", Value: scan.End.Temperature, Comment: "temperature at scan end"},
		{Name: "IUNIT", Value: scan.Initial.Unit, Comment: "unit at scan start"},
	}
}

func encode(out io.Writer, scan Scan) error {
	f, err := fitsio.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create FITS stream: %w", err)
	}
	defer f.Close()

	hdr := fitsio.NewHeader(headerCards(scan), fitsio.IMAGE_HDU, 8, []int{})
	phdu, err := fitsio.NewPrimaryHDU(hdr)
	if err != nil {
		return fmt.Errorf("failed to build primary header: %w", err)
	}
	if err := f.Write(phdu); err != nil {
		return fmt.Errorf("failed to write primary header: %w", err)
	}

	table, err := fitsio.NewTable(TableName, []fitsio.Column{
		{Name: "Time", Format: "D", Unit: "s"},
		{Name: "Intensity", Format: "D"},
	}, fitsio.BINARY_TBL)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	defer table.Close()

	for i := range scan.Times {
		t, v := scan.Times[i], scan.Intensities[i]
		if err := table.Write(&t, &v); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}

	if err := f.Write(table); err != nil {
		return fmt.Errorf("failed to write table: %w", err)
	}
	return nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
