// Package trunkfs provides the disk-backed default implementations of
// trunkstore's external-collaborator contracts: SystemClock, RoundRobinPathPicker,
// DiskTrunkFileIO, and FileBinlogWriter, plus the optional
// SnapshotErasure redundancy layer. The split mirrors the teacher
// codebase's own root-package-declares-interfaces,
// subpackage-implements-them-on-disk layout.
package trunkfs
