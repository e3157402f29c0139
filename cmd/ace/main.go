// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Ace runs the analytics of the mathtransform example plugin. Files and
// data objects may be local paths or S3 URLs.
//
//	ace run import-integerarray --in=numbers.txt --out=numbers.num
//	ace -device=opencl -opencl-devices=2 run transform --in=numbers.num --out=doubled.num --type=multiplication --amount=2
//	ace -system=local machines 4 transform --in=numbers.num --out=doubled.num --type=multiplication --amount=2
//	ace run export-integerarray --in=doubled.num --out=doubled.txt
package main

import (
	"github.com/aceproject/ace"
	"github.com/aceproject/ace/acecmd"
	"github.com/aceproject/ace/data"
	"github.com/aceproject/ace/example/mathtransform"
	"github.com/aceproject/ace/exec"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
	ace.RegisterFactory("mathtransform", mathtransform.Analytics)
	data.RegisterFactory("mathtransform", mathtransform.DataTypes)
}

func main() {
	must.Func = log.Fatal
	acecmd.Main(mathtransform.Analytics, exec.Data(mathtransform.DataTypes))
}
