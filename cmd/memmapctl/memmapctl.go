// Copyright 2024 The Armored Memmap authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux
// +build linux

package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
)

type Config struct {
	socket string

	status bool
	minor  int
	hold   bool

	memtest bool
	devmem  string
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	flag.StringVar(&conf.socket, "S", "/run/memmapd.sock", "daemon session socket")
	flag.BoolVar(&conf.status, "s", false, "get daemon status")
	flag.IntVar(&conf.minor, "d", -1, "open device uioN and print its memory map")
	flag.BoolVar(&conf.hold, "w", false, "keep the device open until interrupted")
	flag.BoolVar(&conf.memtest, "t", false, "test the device memory window through -m")
	flag.StringVar(&conf.devmem, "m", "/dev/mem", "physical memory device")
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			log.Fatalf("fatal error, %s", err)
		}
	}()

	flag.Parse()

	switch {
	case conf.status:
		var s *Status

		if s, err = status(conf.socket); err == nil {
			log.Print(s.Print())
		}
	case conf.minor >= 0:
		var sess *Session

		if sess, err = open(conf.socket, conf.minor); err != nil {
			return
		}
		defer sess.Close()

		log.Printf("uio%d (%s): %s", sess.Device.Minor, sess.Device.Parent, sess.Device.Map)

		if sess.Emulated {
			log.Printf("uio%d: memory is emulated by the daemon", sess.Device.Minor)
		}

		if conf.memtest {
			if err = memtest(conf.devmem, sess); err != nil {
				return
			}

			log.Printf("uio%d: memory test passed", sess.Device.Minor)
		}

		if conf.hold {
			log.Printf("uio%d: holding device open, interrupt to release", sess.Device.Minor)

			c := make(chan os.Signal, 1)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			<-c
		}
	}
}
