// Copyright 2015-2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style license described in the
// LICENSE file.

// Package log prints messages to a given writer, /dev/log, /dev/kmsg, or a
// byte buffer until one of these are available.
package log

import (
	"bytes"
	"fmt"
	"io"
	"log/syslog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const DevKmsg = "/dev/kmsg"
const DevLog = "/dev/log"

var pid int64
var Writer io.Writer
var mutex sync.Mutex
var earlyBufs []*bytes.Buffer

var prog string

var PriorityByName = map[string]syslog.Priority{
	"emerg": syslog.LOG_EMERG,
	"alert": syslog.LOG_ALERT,
	"crit":  syslog.LOG_CRIT,
	"err":   syslog.LOG_ERR,
	"warn":  syslog.LOG_WARNING,
	"note":  syslog.LOG_NOTICE,
	"info":  syslog.LOG_INFO,
	"debug": syslog.LOG_DEBUG,
}

var FacilityByName = map[string]syslog.Priority{
	"kern":   syslog.LOG_KERN,
	"user":   syslog.LOG_USER,
	"mail":   syslog.LOG_MAIL,
	"daemon": syslog.LOG_DAEMON,
	"auth":   syslog.LOG_AUTH,
	"syslog": syslog.LOG_SYSLOG,
	"lpr":    syslog.LOG_LPR,
	"news":   syslog.LOG_NEWS,
	"uucp":   syslog.LOG_UUCP,
	"cron":   syslog.LOG_CRON,
	"priv":   syslog.LOG_AUTHPRIV,
	"ftp":    syslog.LOG_FTP,
	"local0": syslog.LOG_LOCAL0,
	"local1": syslog.LOG_LOCAL1,
	"local2": syslog.LOG_LOCAL2,
	"local3": syslog.LOG_LOCAL3,
	"local4": syslog.LOG_LOCAL4,
	"local5": syslog.LOG_LOCAL5,
	"local6": syslog.LOG_LOCAL6,
	"local7": syslog.LOG_LOCAL7,
}

// The default level is: Debug, User. Upto the first two arguments may change
// this by name; for example:
//
//	Print("daemon", ...)
//	Print("daemon", "err", ...)
//	Print("err", ...)
func Print(args ...interface{}) {
	pri, fac, a := logArgs(args...)
	log(pri|fac, fmt.Sprint(a...))
}

// The default level is: Debug, User. Upto the first two arguments may preceed
// the log format string to change the priority and facility like this:
//
//	Printf("daemon", format, ...)
//	Printf("daemon", "err", format, ...)
//	Printf("err", format, ...)
func Printf(args ...interface{}) {
	pri, fac, a := logArgs(args...)
	if len(a) <= 0 {
		// missing format
		return
	}
	format, ok := a[0].(string)
	if !ok {
		// a[0]: isn't string
		return
	}
	a = a[1:]
	log(pri|fac, fmt.Sprintf(format, a...))
}

func logArgs(args ...interface{}) (pri, fac syslog.Priority, a []interface{}) {
	pri = syslog.LOG_DEBUG
	fac = syslog.LOG_USER
	a = args
	for i := 0; len(a) > 0 && i < 2; i++ {
		s, ok := a[0].(string)
		if !ok {
			break
		}
		if v, found := PriorityByName[s]; found {
			pri = v
			a = a[1:]
			continue
		}
		if v, found := FacilityByName[s]; found {
			fac = v
			a = a[1:]
		}
	}
	return
}

func log(pri syslog.Priority, args ...interface{}) {
	mutex.Lock()
	defer mutex.Unlock()

	if pid == 0 {
		pid = int64(os.Getpid())
	}

	if len(prog) == 0 {
		s, err := os.Readlink("/proc/self/exe")
		if err == nil {
			prog = filepath.Base(s)
			if s != os.Args[0] {
				prog += "." + os.Args[0]
			}
		} else {
			prog = filepath.Base(os.Args[0])
		}
	}

	msg := strings.Split(fmt.Sprint(args...), "\n")

	if Writer != nil {
		for _, s := range msg {
			fmt.Fprintf(Writer, "<%d>%s[%d]: %s\n", pri, prog,
				pid, s)
		}
	} else if _, err := os.Stat(DevLog); err == nil {
		conn, err := net.Dial("unixgram", DevLog)
		if err != nil {
			// FIXME how to log a log error?
			return
		}
		defer conn.Close()
		for _, s := range msg {
			fmt.Fprintf(conn, "<%d>%s %s[%d]: %s\n",
				pri, time.Now().Format(time.Stamp),
				prog, pid, s)
		}
	} else if kmsg, err := os.OpenFile(DevKmsg, os.O_RDWR, 0644); err == nil {
		defer kmsg.Close()
		if len(earlyBufs) > 0 {
			for _, buf := range earlyBufs {
				kmsg.Write(buf.Bytes())
				buf.Reset()
			}
			earlyBufs = earlyBufs[:0]
		}
		for _, s := range msg {
			fmt.Fprintf(kmsg, "<%d>%s[%d]: %s\n", pri, prog,
				pid, s)
		}
	} else if os.IsNotExist(err) {
		buf := new(bytes.Buffer)
		for _, s := range msg {
			fmt.Fprintf(buf, "<%d>%s[%d]: %s\n", pri, prog,
				pid, s)
		}
		earlyBufs = append(earlyBufs, buf)
	}
}
