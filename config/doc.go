// Package config loads bitharbor settings from a YAML file, an optional .env
// file and BITHARBOR_* environment variables, in increasing precedence, and
// opens a store from them.
//
// Example config.yaml:
//
//	data_dir: /var/lib/bitharbor
//	dimension: 1024
//	log_level: info
//	storage:
//	  backend: s3
//	  bucket: media-harbor
//	  prefix: prod/
//	  pointer_table: bitharbor-pointers
//	metadata:
//	  backend: sqlite
//	embedder:
//	  provider: openai
//	  model: text-embedding-3-small
//	  requests_per_second: 20
//	ingest:
//	  workers: 8
//	  embed_timeout: 30s
package config
