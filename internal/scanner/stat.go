package scanner

import "os"

type fileStat struct {
	size          int64
	mtimeUnixNano int64
}

func statFile(path string) (fileStat, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStat{}, err
	}
	return fileStat{size: fi.Size(), mtimeUnixNano: fi.ModTime().UnixNano()}, nil
}
