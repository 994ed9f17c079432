package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

const dateLayout = "2006-01-02"

// DailyFileWriter is an io.Writer appending to {service}_{date}.log in a
// directory, switching files when the date changes. A background goroutine
// rotates hourly so idle servers still roll over. Safe for concurrent use.
type DailyFileWriter struct {
	service string
	dir     string

	mu       sync.Mutex
	file     *os.File
	currDate string
	now      func() time.Time

	halt *idem.Halter
}

// NewDailyFileWriter opens today's file in logDir. The directory must exist.
//
// Parameters:
//   - service: Service name used in log file names
//   - logDir: Directory path for log files
//
// Returns:
//   - The new DailyFileWriter, or an error if the initial file could not be opened
func NewDailyFileWriter(service string, logDir string) (*DailyFileWriter, error) {
	w := &DailyFileWriter{
		service: service,
		dir:     logDir,
		now:     time.Now,
		halt:    idem.NewHalterNamed("DailyFileWriter(" + service + ")"),
	}

	w.mu.Lock()
	err := w.openLocked(w.now().Format(dateLayout))
	w.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("initial rotation failed: %w", err)
	}

	go w.autoRotate()
	return w, nil
}

// Write implements io.Writer.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.halt.ReqStop.IsClosed() {
		return 0, fmt.Errorf("writer is closed")
	}

	if date := w.now().Format(dateLayout); date != w.currDate || w.file == nil {
		if err := w.openLocked(date); err != nil {
			return 0, fmt.Errorf("rotation failed: %w", err)
		}
	}

	return w.file.Write(p)
}

// ForceRotate reopens the file for the current date, e.g. after an external
// tool moved it away.
func (w *DailyFileWriter) ForceRotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.halt.ReqStop.IsClosed() {
		return fmt.Errorf("writer is closed")
	}

	return w.openLocked(w.now().Format(dateLayout))
}

// CurrentLogFile returns the path of the file being written, or "" when closed.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}

	return w.path(w.currDate)
}

// Close stops the rotator and closes the current file. Idempotent.
func (w *DailyFileWriter) Close() error {
	w.mu.Lock()
	if w.halt.ReqStop.IsClosed() {
		w.mu.Unlock()
		return nil
	}
	w.halt.ReqStop.Close()

	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	<-w.halt.Done.Chan
	return err
}

func (w *DailyFileWriter) autoRotate() {
	defer w.halt.Done.Close()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-w.halt.ReqStop.Chan:
			return
		case <-ticker.C:
			w.mu.Lock()
			if date := w.now().Format(dateLayout); date != w.currDate && !w.halt.ReqStop.IsClosed() {
				_ = w.openLocked(date)
			}
			w.mu.Unlock()
		}
	}
}

// openLocked switches to the file for date; caller holds w.mu.
func (w *DailyFileWriter) openLocked(date string) error {
	file, err := os.OpenFile(w.path(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", w.path(date), err)
	}

	if w.file != nil {
		_ = w.file.Close()
	}

	w.file = file
	w.currDate = date
	return nil
}

func (w *DailyFileWriter) path(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.service, date))
}
