package storage

import (
	"bufio"
	"encoding/json"
	"os"
)

// walWriter appends records to wal.log before they are applied to shards.
// The log is truncated after every successful shard fsync, so on restart
// only the suffix written since the last flush needs replaying.
type walWriter struct {
	path string
	file *os.File
}

func openWAL(path string) (*walWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &walWriter{path: path, file: file}, nil
}

func (w *walWriter) write(rec record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *walWriter) truncate() error {
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	_, err := w.file.Seek(0, 0)
	return err
}

func (w *walWriter) close() error {
	return w.file.Close()
}

// readWAL parses the surviving WAL records, skipping unparsable lines.
func readWAL(path string) ([]record, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var records []record
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final write is expected after a crash.
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
