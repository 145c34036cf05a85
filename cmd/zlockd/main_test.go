package main

import (
	"net"
	"testing"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    logiface.Level
		wantErr bool
	}{
		{in: "error", want: logiface.LevelError},
		{in: "warning", want: logiface.LevelWarning},
		{in: "warn", want: logiface.LevelWarning},
		{in: "info", want: logiface.LevelInformational},
		{in: "", want: logiface.LevelInformational},
		{in: "debug", want: logiface.LevelDebug},
		{in: "bogus", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := parseLogLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrintBannerDoesNotPanicOnNilAddr(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		printBanner("0.0.0.0", nil)
	})
	assert.NotPanics(t, func() {
		printBanner("0.0.0.0", &net.TCPAddr{IP: net.IPv4zero, Port: 7339})
	})
}
