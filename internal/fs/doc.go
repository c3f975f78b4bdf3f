// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with positional read/write, sync and truncate
//   - [FileSystem]: open, remove, rename, directory sync
//
// Production code uses [Default] (a [LocalFS]). Tests wrap it in a [FaultyFS]
// to fail writes, syncs or renames for files matching a name pattern:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("idmap.bin", fs.Fault{FailAfterBytes: -1, FailOnSync: true})
//
// Operations take no context.Context. Local file operations are not
// interruptible at the syscall level; remote storage goes through blobstore.
package fs
