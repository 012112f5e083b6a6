package update

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseComposeImages(t *testing.T) {
	manifest := `
services:
  web:
    image: myrepo/web:1.2.3
  db:
    image: postgres:16
`

	images := parseComposeImages(manifest)
	require.ElementsMatch(t, []string{"myrepo/web:1.2.3", "postgres:16"}, images)
}

func TestParseComposeImagesLenient(t *testing.T) {
	manifest := `
services:
  web:
    image: myrepo/web:${TAG}
  cache: {}
`

	images := parseComposeImagesLenient(manifest)
	require.ElementsMatch(t, []string{"myrepo/web:${TAG}"}, images)
}

func TestParseComposeImagesLenient_InvalidYAML(t *testing.T) {
	images := parseComposeImagesLenient("not: [valid yaml")
	require.Empty(t, images)
}

func TestScanImageLines(t *testing.T) {
	manifest := "not: valid: compose: at: all\nimage: myrepo/app:prod\n  image: \"quoted/app:v1\"\n"

	images := scanImageLines(manifest)
	require.ElementsMatch(t, []string{"myrepo/app:prod", "quoted/app:v1"}, images)
}
