/*
Package config loads and validates the YAML configuration recognized by
the Hutch core.

A minimal config file:

	metadata_root: /var/lib/hutch/metadata
	quota_root: /var/lib/hutch/quotas
	volumes:
	  - id: v1
	    mount_path: /mnt/storage1
	    sharding_depth: 2

All durations are strings in Go duration syntax ("100ms", "30s", "24h").
Options omitted from the file keep the defaults from Default().

The store section is passed through to the embedded engine. bbolt has no
journal/checkpoint knobs of its own, so journal maps to fsync-on-commit
(journal: false sets NoSync) and lock_timeout_sec to the file-lock
acquisition timeout; checkpoint_n_tx and connection_mode parse for
compatibility with older configs and are ignored.
*/
package config
