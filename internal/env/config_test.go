package env_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"

	"github.com/luma/codewords/internal/env"
)

var _ = Describe("Config", func() {
	AfterEach(func() {
		os.Unsetenv("CODEWORDS_ROOM_TTL")
		os.Unsetenv("CODEWORDS_DATA_DIR")
	})

	It("falls back to defaults", func() {
		config, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())

		Expect(config.LogLevel).To(Equal("info"))
		Expect(config.RoomTTL).To(Equal(5 * time.Minute))
		Expect(config.RecvBurst).To(Equal(40))
		Expect(config.DataDir).To(BeEmpty())
	})

	It("reads CODEWORDS_ variables", func() {
		os.Setenv("CODEWORDS_ROOM_TTL", "90s")
		os.Setenv("CODEWORDS_DATA_DIR", "/var/lib/codewords")

		config, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())

		Expect(config.RoomTTL).To(Equal(90 * time.Second))
		Expect(config.DataDir).To(Equal("/var/lib/codewords"))
	})
})

var _ = Describe("MakeLogger", func() {
	It("builds a logger at the requested level", func() {
		log, err := env.MakeLogger("warn")
		Expect(err).To(Succeed())

		Expect(log.Core().Enabled(zapcore.InfoLevel)).To(BeFalse())
		Expect(log.Core().Enabled(zapcore.WarnLevel)).To(BeTrue())
	})

	It("rejects unknown levels", func() {
		_, err := env.MakeLogger("chatty")
		Expect(err).To(HaveOccurred())
	})
})
