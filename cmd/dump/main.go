// Copyright 2015 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dump reads a perf.data capture and prints its metadata and
// record stream, optionally resolving samples to DSO+offset and
// writing the (possibly remapped) result back out.
package main

import (
	"fmt"
	"os"
	"reflect"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/aclements/perfcapture/perffile"
	"github.com/aclements/perfcapture/perfparser"
)

func main() {
	var (
		flagInput   = flag.StringP("input", "i", "perf.data", "input perf.data file")
		flagOrder   = flag.String("order", "time", "sort order; one of: file, time, causal")
		flagResolve = flag.Bool("resolve", false, "resolve samples to dso+offset via perfparser")
		flagRemap   = flag.Bool("remap", false, "remap addresses into each process's synthetic space (implies -resolve)")
		flagOutput  = flag.StringP("output", "o", "", "write the (resolved) capture back out to this file")
		flagVerbose = flag.BoolP("verbose", "v", false, "log debug-level detail")
	)
	flag.Parse()
	if *flagVerbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	order, ok := parseOrder(*flagOrder)
	if flag.NArg() > 0 || !ok {
		flag.Usage()
		os.Exit(2)
	}

	f, err := perffile.Open(*flagInput)
	if err != nil {
		logrus.WithError(err).Fatal("opening capture")
	}
	defer f.Close()

	logrus.WithFields(logrus.Fields{
		"hostname": f.Meta.Hostname,
		"arch":     f.Meta.Arch,
		"cpus":     f.Meta.CPUsOnline,
	}).Info("loaded capture")

	printMeta(f)

	if *flagResolve || *flagRemap || *flagOutput != "" {
		dumpResolved(f, order, *flagRemap, *flagOutput)
		return
	}

	rs := f.Records(order)
	for rs.Next() {
		fmt.Printf("%v %+v\n", rs.Record.Type(), rs.Record)
	}
	if err := rs.Err(); err != nil {
		logrus.WithError(err).Fatal("reading records")
	}
}

func printMeta(f *perffile.File) {
	m := &f.Meta
	fields := []struct {
		label string
		value interface{}
	}{
		{"OS release", m.OSRelease},
		{"version", m.Version},
		{"CPU desc", m.CPUDesc},
		{"CPUID", m.CPUID},
		{"total memory", m.TotalMem},
		{"cmdline", m.CmdLine},
		{"CPU topology", m.CoreGroups},
		{"NUMA topology", m.NUMANodes},
		{"PMU mappings", m.PMUMappings},
		{"groups", m.Groups},
		{"build IDs", m.BuildIDs},
	}
	for _, field := range fields {
		if isZero(field.value) {
			continue
		}
		fmt.Printf("%s: %v\n", field.label, field.value)
	}
}

func isZero(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.IsZero()
}

func dumpResolved(f *perffile.File, order perffile.RecordsOrder, remap bool, output string) {
	opts := perfparser.DefaultOptions()
	opts.DoRemap = remap
	if remap {
		opts.CombineMappings = false
	}

	result, err := perfparser.ProcessEvents(f, opts)
	if err != nil {
		logrus.WithError(err).Fatal("resolving capture")
	}

	logrus.WithFields(logrus.Fields{
		"samples":        result.Stats.NumSampleEvents,
		"samples_mapped": result.Stats.NumSampleEventsMapped,
		"mmaps":          result.Stats.NumMmapEvents,
		"dsos":           len(result.DSOs),
	}).Info("resolved capture")

	for _, pe := range result.Events {
		if pe.DSOAndOffset.DSO == nil {
			continue
		}
		fmt.Printf("%v dso=%s off=0x%x\n", pe.EventPtr.Type(), pe.DSOAndOffset.DSO.Name, pe.DSOAndOffset.Offset)
	}

	if output == "" {
		return
	}
	var records []perffile.Record
	for _, pe := range result.Events {
		records = append(records, pe.EventPtr)
	}
	out, err := os.Create(output)
	if err != nil {
		logrus.WithError(err).Fatal("creating output")
	}
	defer out.Close()
	if err := perffile.Write(out, f, records); err != nil {
		logrus.WithError(err).Fatal("writing output")
	}
}

func parseOrder(order string) (perffile.RecordsOrder, bool) {
	switch order {
	case "file":
		return perffile.RecordsFileOrder, true
	case "time":
		return perffile.RecordsTimeOrder, true
	case "causal":
		return perffile.RecordsCausalOrder, true
	}
	return 0, false
}
