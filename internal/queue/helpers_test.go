package queue

import "github.com/sirupsen/logrus"

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(discardWriter{})
	return logrus.NewEntry(log)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
