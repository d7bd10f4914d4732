package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/kastnerkyle/cmusphinx"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage of %s:
	%s [options] -m model.dmp [file ...]

Reads word sequences (one per line, up to three words) and prints their log
probability, backoff weight and smear term. Lines are read from the given
files, or from stdin.

Options:
`, os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	var (
		modelfile   string
		settingfile string
		outputfile  string
		querylog    string
		smear       bool
		writesmear  string
		debugmode   bool
	)
	flag.StringVar(&modelfile, "m", "", "binary model file")
	flag.StringVar(&settingfile, "r", "", "read settings from JSON file")
	flag.StringVar(&outputfile, "o", "", "output to file")
	flag.StringVar(&querylog, "q", "", "append queried sequences to file")
	flag.BoolVar(&smear, "s", false, "enable the full smear computation")
	flag.StringVar(&writesmear, "w", "", "write smear terms to file and exit")
	flag.BoolVar(&debugmode, "d", false, "debug mode")

	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if debugmode {
		logger.SetLevel(logrus.DebugLevel)
	}

	config := &cmusphinx.Config{}
	if settingfile != "" {
		fd, err := os.Open(settingfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", settingfile, err)
			os.Exit(1)
		}
		config, err = cmusphinx.ParseConfigJSON(fd)
		_ = fd.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "fail to parse settings: %s\n", err)
			os.Exit(1)
		}
	}
	if modelfile != "" {
		config.Location = modelfile
	}
	if config.Location == "" {
		flag.Usage()
		os.Exit(2)
	}
	if querylog != "" {
		config.QueryLogFile = querylog
	}
	if smear || writesmear != "" {
		config.FullSmear = true
	}

	var output io.Writer = os.Stdout
	if outputfile != "" {
		outputfd, err := os.OpenFile(outputfile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", outputfile, err)
			os.Exit(1)
		}
		defer outputfd.Close()
		bufiooutput := bufio.NewWriter(outputfd)
		defer bufiooutput.Flush()
		output = bufiooutput
	}

	resolver := cmusphinx.NewInterningResolver()
	model := cmusphinx.NewTrigramModel(*config, resolver, logger)
	if err := model.Allocate(); err != nil {
		fmt.Fprintf(os.Stderr, "fail to load language model: %s\n", err)
		os.Exit(1)
	}
	defer model.Deallocate()

	if writesmear != "" {
		if err := model.WriteSmearInfo(writesmear); err != nil {
			fmt.Fprintf(os.Stderr, "fail to write smear info: %s\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(output, "wrote smear terms to %s\n", writesmear)
		return
	}

	fmt.Fprintf(output, "max depth: %d, vocabulary: %d words\n",
		model.GetMaxDepth(), model.GetVocabulary().Size())

	inputs := flag.Args()
	if len(inputs) == 0 {
		run(model, resolver, os.Stdin, output)
		return
	}
	for _, input := range inputs {
		fd, err := os.Open(input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s\n", input, err)
			os.Exit(1)
		}
		run(model, resolver, fd, output)
		_ = fd.Close()
	}
}

func run(model *cmusphinx.TrigramModel, resolver *cmusphinx.SimpleResolver, input io.Reader, output io.Writer) {
	model.Start()
	defer model.Stop()

	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		ws := resolver.Sequence(fields...)
		probability, err := model.GetProbability(ws)
		if err != nil {
			fmt.Fprintf(output, "%s\t%s\n", ws, err)
			continue
		}
		backoff, err := model.GetBackoff(ws.Oldest())
		if err != nil {
			fmt.Fprintf(output, "%s\t%s\n", ws, err)
			continue
		}
		smearTerm, err := model.GetSmear(ws)
		if err != nil {
			fmt.Fprintf(output, "%s\t%s\n", ws, err)
			continue
		}
		fmt.Fprintf(output, "%s\tlogP=%.4f\tP=%.6g\tbackoff=%.4f\tsmear=%.4f\n",
			ws, probability, model.LogMath().LogToLinear(probability), backoff, smearTerm)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read error: %s\n", err)
	}
}
