package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	opts := Default()
	opts.Download.OutputDir = "out"
	assert.NoError(t, opts.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() Options {
		opts := Default()
		opts.Download.OutputDir = "out"
		return opts
	}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing output dir", func(o *Options) { o.Download.OutputDir = "" }},
		{"zero attempts", func(o *Options) { o.Network.MaxAttempts = 0 }},
		{"zero concurrency", func(o *Options) { o.Network.Concurrency = 0 }},
		{"idle fraction too large", func(o *Options) { o.Poll.IdleFraction = 1.5 }},
		{"idle fraction zero", func(o *Options) { o.Poll.IdleFraction = 0 }},
		{"zero failure limit", func(o *Options) { o.Poll.FailureLimit = 0 }},
		{"bad vanish policy", func(o *Options) { o.Poll.Vanish = "shrug" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid()
			tt.mutate(&opts)
			assert.Error(t, opts.Validate())
		})
	}
}

func TestParseVanishPolicy(t *testing.T) {
	p, err := ParseVanishPolicy("end")
	require.NoError(t, err)
	assert.Equal(t, VanishEnd, p)

	_, err = ParseVanishPolicy("maybe")
	assert.Error(t, err)
}
