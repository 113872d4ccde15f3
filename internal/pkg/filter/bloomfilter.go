// Package bloomfilter records which scheduled audits already ran, so a
// restart does not re-audit every site in the current period.
package bloomfilter

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sirupsen/logrus"
)

// Thread-safe Bloom filter of (website, period) pairs, optionally
// persisted to disk. False positives skip a run until the next period.
//
// The ledger keeps two generations. Once the current filter holds about
// capacity entries it becomes the previous one and a fresh filter takes
// over, which bounds the false-positive rate. A mark survives at least
// one rotation.
type RunLedger struct {
	current     *bloom.BloomFilter
	previous    *bloom.BloomFilter
	capacity    uint
	fpRate      float64
	mutex       sync.Mutex
	savePath    string
	saveEvery   int
	saveCounter int
	log         *logrus.Entry
}

// Creates a ledger, loading it from savePath when the file exists. An
// empty savePath keeps the ledger in memory only.
func NewRunLedger(savePath string, saveEvery int, capacity int, fpRate float64, logger *logrus.Logger) (*RunLedger, error) {
	if saveEvery <= 0 {
		saveEvery = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	ledger := &RunLedger{
		capacity:  uint(capacity),
		fpRate:    fpRate,
		savePath:  savePath,
		saveEvery: saveEvery,
		log:       logger.WithField("component", "run_ledger"),
	}

	if savePath != "" {
		current, previous, err := loadBloomFilters(savePath)
		if err != nil {
			return nil, fmt.Errorf("error while loading run ledger: %w", err)
		}
		ledger.current, ledger.previous = current, previous
	}

	// No filter found, create a new one
	if ledger.current == nil {
		ledger.current = ledger.newFilter()
	}
	return ledger, nil
}

func (l *RunLedger) newFilter() *bloom.BloomFilter {
	return bloom.NewWithEstimates(l.capacity, l.fpRate)
}

func ledgerKey(websiteID string, period int64) string {
	return websiteID + "@" + strconv.FormatInt(period, 10)
}

// Loads the current and, when present, the previous generation from
// disk. A missing file yields nil filters.
func loadBloomFilters(path string) (current, previous *bloom.BloomFilter, err error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("error while opening run ledger file on disk: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	current = &bloom.BloomFilter{}
	if _, err := current.ReadFrom(reader); err != nil {
		return nil, nil, fmt.Errorf("error while reading run ledger from disk: %w", err)
	}

	previous = &bloom.BloomFilter{}
	if _, err := previous.ReadFrom(reader); err != nil {
		if errors.Is(err, io.EOF) {
			// Single generation
			return current, nil, nil
		}
		return nil, nil, fmt.Errorf("error while reading previous run ledger generation: %w", err)
	}
	return current, previous, nil
}

func (l *RunLedger) test(key string) bool {
	if l.current.TestString(key) {
		return true
	}
	return l.previous != nil && l.previous.TestString(key)
}

// Checks if the current generation reached its capacity.
func (l *RunLedger) full() bool {
	if l.current.BitSet().Count() >= l.current.Cap() {
		return true
	}
	return uint(l.current.ApproximatedSize()) >= l.capacity
}

// Checks if the website was already audited in the given period.
func (l *RunLedger) HasRun(websiteID string, period int64) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.test(ledgerKey(websiteID, period))
}

// Checks if the website was already audited in the given period and marks
// it as audited. Returns true when it had already been marked.
func (l *RunLedger) CheckAndMark(websiteID string, period int64) bool {
	l.mutex.Lock()
	key := ledgerKey(websiteID, period)
	if l.test(key) {
		l.mutex.Unlock()
		return true
	}

	l.current.AddString(key)
	l.saveCounter++
	rotated := false
	if l.full() {
		l.previous = l.current
		l.current = l.newFilter()
		rotated = true
	}

	var current, previous *bloom.BloomFilter
	if l.savePath != "" && (rotated || l.saveCounter >= l.saveEvery) {
		l.saveCounter = 0
		current, previous = l.current.Copy(), l.previous
	}
	l.mutex.Unlock()

	if rotated {
		l.log.WithField("capacity", l.capacity).Info("run ledger rotated")
	}
	if current != nil {
		if err := writeBloomFilters(l.savePath, current, previous); err != nil {
			l.log.WithError(err).Warn("error saving run ledger")
		}
	}
	return false
}

// Persists the ledger to disk. No-op for in-memory ledgers.
func (l *RunLedger) Save() error {
	if l.savePath == "" {
		return nil
	}
	l.mutex.Lock()
	current, previous := l.current.Copy(), l.previous
	l.saveCounter = 0
	l.mutex.Unlock()
	return writeBloomFilters(l.savePath, current, previous)
}

// Writes the generations next to path and renames the file into place.
// The previous generation is never mutated, so callers pass it uncopied.
func writeBloomFilters(path string, current, previous *bloom.BloomFilter) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	writer := bufio.NewWriter(tmp)
	for _, filter := range []*bloom.BloomFilter{current, previous} {
		if filter == nil {
			continue
		}
		if _, err := filter.WriteTo(writer); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
