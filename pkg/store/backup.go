package store

import (
	"os"
	"time"
)

// backupTimeFormat stamps forensic backups of corrupt store files.
const backupTimeFormat = "20060102150405"

// CorruptBackupPath returns the forensic backup path for a store file.
func CorruptBackupPath(path string, now time.Time) string {
	return path + ".corrupted." + now.UTC().Format(backupTimeFormat)
}

// QuarantineFile moves a corrupt store file aside for forensics and
// returns the backup path. A missing source is not an error; the
// returned path is empty.
func QuarantineFile(path string) (string, error) {
	backup := CorruptBackupPath(path, time.Now())
	if err := os.Rename(path, backup); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return backup, nil
}
