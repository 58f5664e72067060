// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package blocklist

import (
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"

	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
	"github.com/rspcontroller/rsp-downstream/middleware"
	"github.com/rspcontroller/rsp-downstream/middleware/topicfilter"
	"github.com/rspcontroller/rsp-downstream/topic"
	"github.com/rspcontroller/rsp-downstream/types"
	"gopkg.in/yaml.v2"
)

type blockedItem struct {
	Device string `yaml:"device"`
}

// NewBlocklist returns a middleware that filters traffic from and to blocked devices
func NewBlocklist(ctx log.Interface, lists ...string) (b *Blocklist, err error) {
	b = &Blocklist{
		ctx:      ctx.WithField("Middleware", "Blocklist"),
		lists:    make(map[string][]blockedItem),
		idLookup: make(map[string]bool),
	}
	b.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, location := range lists {
		if err = b.addList(location); err != nil {
			b.Close()
			return nil, err
		}
	}
	if err = b.FetchRemotes(); err != nil {
		b.Close()
		return nil, err
	}
	go func() {
		for e := range b.watcher.Events {
			if e.Op&fsnotify.Write == fsnotify.Write {
				if err := b.read(e.Name); err != nil {
					b.ctx.WithField("File", e.Name).WithError(err).Warn("Could not reload blocklist, keeping the previous one")
				}
			}
		}
	}()
	return b, nil
}

// Blocklist middleware
type Blocklist struct {
	ctx     log.Interface
	watcher *fsnotify.Watcher
	urls    []string

	mu       sync.RWMutex
	lists    map[string][]blockedItem
	idLookup map[string]bool
}

func (b *Blocklist) addList(location string) error {
	url, err := url.Parse(location)
	if err != nil {
		return err
	}
	switch url.Scheme {
	case "", "file":
		return b.addFile(url.Path)
	case "http", "https":
		return b.addURL(url)
	}
	return fmt.Errorf("blocklist: unknown list type %q", url.Scheme)
}

func (b *Blocklist) addFile(filename string) (err error) {
	filename, err = filepath.Abs(filename)
	if err != nil {
		return err
	}
	if err = b.watcher.Add(filename); err != nil {
		return err
	}
	return b.read(filename)
}

func (b *Blocklist) addURL(url *url.URL) error {
	b.urls = append(b.urls, url.String())
	return nil
}

// FetchRemotes fetches remote blocklists
func (b *Blocklist) FetchRemotes() error {
	for _, url := range b.urls {
		if err := b.fetch(url); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of blocked devices
func (b *Blocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.idLookup)
}

// Close the blocklist watcher
func (b *Blocklist) Close() {
	b.watcher.Close()
}

func (b *Blocklist) read(filename string) error {
	contents, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	return b.set(filename, contents)
}

func (b *Blocklist) fetch(location string) error {
	resp, err := http.Get(location)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("blocklist: fetching %s returned %s", location, resp.Status)
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return b.set(location, body)
}

func (b *Blocklist) set(location string, contents []byte) error {
	var list []blockedItem
	if err := yaml.Unmarshal(contents, &list); err != nil {
		return err
	}
	b.mu.Lock()
	b.lists[location] = list
	b.updateLookup()
	b.mu.Unlock()
	return nil
}

func (b *Blocklist) updateLookup() {
	var n int
	for _, list := range b.lists {
		n += len(list)
	}
	b.idLookup = make(map[string]bool, n)
	for _, list := range b.lists {
		for _, item := range list {
			if item.Device != "" {
				b.idLookup[item.Device] = true
			}
		}
	}
}

// ErrBlockedDevice is returned for traffic from or to a blocked device
var ErrBlockedDevice = errors.New("blocklist: device is blocked")

func (b *Blocklist) check(id string) error {
	if id == "" {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.idLookup[id] {
		return ErrBlockedDevice
	}
	return nil
}

// HandleInbound blocks messages from blocked devices
func (b *Blocklist) HandleInbound(ctx middleware.Context, msg *types.InboundMessage) error {
	t, ok := topicfilter.FromContext(ctx)
	if !ok {
		var err error
		if t, err = topic.Parse(msg.Topic); err != nil {
			return nil
		}
	}
	return b.check(t.DeviceID)
}

// HandleOutbound blocks messages to blocked devices
func (b *Blocklist) HandleOutbound(_ middleware.Context, msg *types.OutboundMessage) error {
	return b.check(msg.DeviceID)
}
