//go:build !(windows && gdicapture)

package capture

func newPlatformBackend() Backend {
	return portableBackend{}
}
