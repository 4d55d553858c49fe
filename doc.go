// Package trunkstore implements FastDFS's trunk allocator: the in-memory
// free-space index over packed "trunk" backing files, the on-disk trunk
// binlog and snapshot that make that index durable, the recovery
// algorithm that rebuilds it after a crash, and the compactor that keeps
// the binlog from growing without bound.
//
// The package depends on five small external collaborators, declared as
// interfaces in interfaces.go and implemented against the local
// filesystem by the trunkfs subpackage: Clock, PathPicker, BinlogWriter,
// TrunkFileIO and SpaceChecker. Everything else - the index, the codec,
// the snapshot/recovery/compaction protocols and the locking discipline -
// is owned by this package.
package trunkstore
