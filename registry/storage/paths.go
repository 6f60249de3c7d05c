package storage

import (
	"fmt"
	"path"

	"github.com/opencontainers/go-digest"
)

// The backend layout:
//
//	/blobs/<algorithm>/<first two hex>/<hex>
//	/uploads/<uuid>/chunks/<offset>
//	/uploads/<uuid>/data
//
// Blob bytes are content addressed and shared by every repository.
// Everything else (links, manifests, tags) lives in the metadata database.
// Chunks of an upload are named by their zero padded starting offset so a
// lexical listing returns them in byte order.
const (
	blobsRoot   = "/blobs"
	uploadsRoot = "/uploads"
)

func blobDataPath(dgst digest.Digest) string {
	hex := dgst.Encoded()
	return path.Join(blobsRoot, string(dgst.Algorithm()), hex[:2], hex)
}

func uploadRootPath(uuid string) string {
	return path.Join(uploadsRoot, uuid)
}

func uploadChunksPath(uuid string) string {
	return path.Join(uploadsRoot, uuid, "chunks")
}

func uploadChunkPath(uuid string, offset int64) string {
	return path.Join(uploadChunksPath(uuid), fmt.Sprintf("%020d", offset))
}

func uploadDataPath(uuid string) string {
	return path.Join(uploadsRoot, uuid, "data")
}

// digestFromBlobPath reverses blobDataPath.
func digestFromBlobPath(p string) (digest.Digest, bool) {
	dir, hex := path.Split(p)
	dir, prefix := path.Split(path.Clean(dir))
	root, alg := path.Split(path.Clean(dir))
	if path.Clean(root) != blobsRoot || len(hex) < 2 || hex[:2] != prefix {
		return "", false
	}
	dgst := digest.NewDigestFromEncoded(digest.Algorithm(alg), hex)
	if dgst.Validate() != nil {
		return "", false
	}
	return dgst, true
}
