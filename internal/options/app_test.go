package options

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrorMessage(t *testing.T) {
	err := ValidationError{Field: "container-image", Message: "this option is required"}
	assert.Equal(t, "configuration error for container-image: this option is required", err.Error())
}

func TestValidateRequired(t *testing.T) {
	empty := ""
	set := "value"

	assert.Error(t, validateRequired("x", &empty))
	assert.NoError(t, validateRequired("x", &set))
}

func TestEnvStringOrDefault(t *testing.T) {
	t.Setenv("BM_TEST_STRING", "from-env")
	assert.Equal(t, "from-env", envStringOrDefault("BM_TEST_STRING", "fallback"))

	t.Setenv("BM_TEST_STRING", "")
	assert.Equal(t, "fallback", envStringOrDefault("BM_TEST_STRING", "fallback"))

	assert.Equal(t, "fallback", envStringOrDefault("BM_TEST_UNSET", "fallback"))
}

func TestEnvDurationOrDefault(t *testing.T) {
	t.Setenv("BM_TEST_DURATION", "90s")
	got, err := envDurationOrDefault("BM_TEST_DURATION", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, got)

	got, err = envDurationOrDefault("BM_TEST_DURATION_UNSET", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, got)

	t.Setenv("BM_TEST_DURATION", "soon")
	_, err = envDurationOrDefault("BM_TEST_DURATION", time.Minute)
	var verr ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "BM_TEST_DURATION", verr.Field)
}

func TestEnvIntOrDefault(t *testing.T) {
	t.Setenv("BM_TEST_INT", "12")
	got, err := envIntOrDefault("BM_TEST_INT", 6)
	require.NoError(t, err)
	assert.Equal(t, 12, got)

	t.Setenv("BM_TEST_INT", "six")
	_, err = envIntOrDefault("BM_TEST_INT", 6)
	assert.Error(t, err)
}

func TestEnvLogLevelOrDefault(t *testing.T) {
	t.Setenv("BM_TEST_LEVEL", "debug")
	got, err := envLogLevelOrDefault("BM_TEST_LEVEL", zerolog.InfoLevel)
	require.NoError(t, err)
	assert.Equal(t, "debug", got)

	t.Setenv("BM_TEST_LEVEL", "shouting")
	_, err = envLogLevelOrDefault("BM_TEST_LEVEL", zerolog.InfoLevel)
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t,
		[]string{"/login/qrcode", "/passport/web/qrcode"},
		splitList("/login/qrcode, /passport/web/qrcode"))
	assert.Equal(t, []string{"a"}, splitList("a,,  ,"))
	assert.Empty(t, splitList(""))
}
