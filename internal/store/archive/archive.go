// Package archive writes purged jobs to compressed segment files so
// terminal jobs remain inspectable after they leave the store.
package archive

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog/log"

	"github.com/parleyhq/parley/internal/models"
)

const (
	// Segment file format constants
	segmentMagic   = "PYJOB001"
	segmentVersion = uint32(1)
	headerSize     = 16 // 8 bytes magic + 4 bytes version + 4 bytes reserved

	// Record framing: 4 bytes length + payload + 8 bytes CRC64
	recordOverhead = 12
	maxRecordSize  = 10 * 1024 * 1024
)

// Config holds archive settings.
type Config struct {
	// Dir is the directory segment files are written to.
	Dir string

	// RetentionDays bounds how long segments are kept. Zero or negative
	// disables cleanup.
	RetentionDays int
}

// Archiver writes batches of purged jobs as zstd-compressed segments.
// Implements store.JobArchiver.
type Archiver struct {
	cfg Config

	mu sync.Mutex // one segment written at a time
}

// New creates an Archiver, creating the segment directory if needed.
func New(cfg Config) (*Archiver, error) {
	if cfg.Dir == "" {
		return nil, errors.New("archive: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive dir: %w", err)
	}
	return &Archiver{cfg: cfg}, nil
}

// Archive writes the jobs to a new segment file. Each batch becomes one
// segment; an empty batch writes nothing.
func (a *Archiver) Archive(jobs []*models.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	segmentPath := filepath.Join(a.cfg.Dir, fmt.Sprintf("%s.jobs.zst", uuid.Must(uuid.NewV7())))
	dst, err := os.Create(segmentPath)
	if err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}

	originalBytes, err := writeSegment(enc, jobs)
	if err != nil {
		if closeErr := enc.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close encoder during error cleanup")
		}
		if closeErr := dst.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close segment during error cleanup")
		}
		os.Remove(segmentPath) // Clean up partial file
		return err
	}

	// Close encoder to flush
	if err := enc.Close(); err != nil {
		if closeErr := dst.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close segment during encoder close error cleanup")
		}
		os.Remove(segmentPath)
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(segmentPath)
		return fmt.Errorf("failed to close segment: %w", err)
	}

	info, err := os.Stat(segmentPath)
	if err != nil {
		return fmt.Errorf("failed to stat segment: %w", err)
	}
	compressedBytes := info.Size()

	ratio := 0.0
	if originalBytes > 0 {
		ratio = (1.0 - float64(compressedBytes)/float64(originalBytes)) * 100
	}

	log.Info().
		Int("jobs", len(jobs)).
		Int64("original_bytes", originalBytes).
		Int64("compressed_bytes", compressedBytes).
		Float64("compression_ratio_pct", ratio).
		Str("segment_path", segmentPath).
		Msg("Archived purged jobs")

	return nil
}

// writeSegment writes the header and one framed record per job, returning
// the uncompressed byte count.
func writeSegment(w io.Writer, jobs []*models.Job) (int64, error) {
	header := make([]byte, headerSize)
	copy(header[0:8], segmentMagic)
	binary.LittleEndian.PutUint32(header[8:12], segmentVersion)
	binary.LittleEndian.PutUint32(header[12:16], 0) // Reserved

	if _, err := w.Write(header); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}

	written := int64(headerSize)
	for _, job := range jobs {
		payload, err := json.Marshal(job)
		if err != nil {
			return written, fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
		}

		record := buildRecord(payload)
		n, err := w.Write(record)
		if err != nil {
			return written, fmt.Errorf("failed to write record: %w", err)
		}
		written += int64(n)
	}
	return written, nil
}

// buildRecord constructs a framed record with CRC64
//
// Record format (total: 12 + payload_len bytes):
// - Length (4 bytes, uint32) - total record length including this field
// - Payload (variable) - JSON-encoded job
// - CRC64 (8 bytes, uint64) - CRC64-NVME checksum of the payload
func buildRecord(payload []byte) []byte {
	totalLength := uint32(recordOverhead + len(payload))
	buf := new(bytes.Buffer)

	// binary.Write to bytes.Buffer never errors
	_ = binary.Write(buf, binary.LittleEndian, totalLength)
	buf.Write(payload)
	_ = binary.Write(buf, binary.LittleEndian, computeCRC64(payload))

	return buf.Bytes()
}

// computeCRC64 computes CRC64-NVME checksum
func computeCRC64(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}

// ReadSegment decompresses a segment and returns the jobs it holds,
// validating each record's checksum. Used for inspection and tests.
func ReadSegment(path string) ([]*models.Job, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment: %w", err)
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(dec, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if string(header[0:8]) != segmentMagic {
		return nil, fmt.Errorf("invalid magic: %s", header[0:8])
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != segmentVersion {
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	var jobs []*models.Job
	for {
		var length uint32
		if err := binary.Read(dec, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read record length: %w", err)
		}
		if length < recordOverhead || length > maxRecordSize {
			return nil, fmt.Errorf("invalid record length: %d", length)
		}

		body := make([]byte, length-4)
		if _, err := io.ReadFull(dec, body); err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}

		payload := body[:len(body)-8]
		storedCRC := binary.LittleEndian.Uint64(body[len(body)-8:])
		if computedCRC := computeCRC64(payload); storedCRC != computedCRC {
			return nil, fmt.Errorf("CRC64 mismatch: stored=%x computed=%x", storedCRC, computedCRC)
		}

		var job models.Job
		if err := json.Unmarshal(payload, &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Cleanup removes segment files older than the retention period.
func (a *Archiver) Cleanup() error {
	if a.cfg.RetentionDays <= 0 {
		log.Debug().Msg("Archive cleanup disabled (retentionDays <= 0)")
		return nil
	}

	cutoffTime := time.Now().AddDate(0, 0, -a.cfg.RetentionDays)

	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to read archive directory: %w", err)
	}

	deletedCount := 0
	deletedBytes := int64(0)

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zst" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to get file info, skipping")
			continue
		}

		if info.ModTime().Before(cutoffTime) {
			filePath := filepath.Join(a.cfg.Dir, entry.Name())
			if err := os.Remove(filePath); err != nil {
				log.Warn().Err(err).Str("file", filePath).Msg("Failed to delete old segment")
				continue
			}
			deletedCount++
			deletedBytes += info.Size()
		}
	}

	if deletedCount > 0 {
		log.Info().
			Str("archive_dir", a.cfg.Dir).
			Int("deleted_files", deletedCount).
			Int64("deleted_bytes", deletedBytes).
			Msg("Archive cleanup completed")
	}
	return nil
}
