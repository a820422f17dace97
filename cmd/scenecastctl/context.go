package main

import (
	"time"

	"github.com/dunamismax/scenecast/internal/apiclient"
)

type commandContext struct {
	apiURL  *string
	timeout *time.Duration
}

func newCommandContext(apiURL *string, timeout *time.Duration) *commandContext {
	return &commandContext{
		apiURL:  apiURL,
		timeout: timeout,
	}
}

func (c *commandContext) client() *apiclient.Client {
	var (
		url     string
		timeout time.Duration
	)
	if c.apiURL != nil {
		url = *c.apiURL
	}
	if c.timeout != nil {
		timeout = *c.timeout
	}
	return apiclient.New(url, timeout)
}
