package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/cheggaaa/pb"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	adb "github.com/EFForg/adb-client"
	"github.com/EFForg/adb-client/pairing"
	"github.com/EFForg/adb-client/usb"
)

const StdIoFilename = "-"

var (
	address = kingpin.Flag("address",
		"Connect over TCP to the device at host:port instead of USB.").
		Short('a').
		String()
	keyPath = kingpin.Flag("key",
		"Path of the RSA key. Defaults to ~/.android/adbkey.").
		String()
	verbose = kingpin.Flag("verbose",
		"Enable debug logging.").
		Short('v').
		Bool()

	devicesCommand = kingpin.Command("devices",
		"List adb-capable USB devices and mDNS-advertised wireless devices.")
	devicesMdnsTimeout = devicesCommand.Flag("timeout",
		"How long to browse for mDNS devices.").
		Default("2s").
		Duration()

	connectCommand = kingpin.Command("connect",
		"Connect to a device over TCP and print its identity.")
	connectAddressArg = connectCommand.Arg("address",
		"Device address, host or host:port (port defaults to 5555).").
		Required().
		String()

	pairCommand = kingpin.Command("pair",
		"Pair with a device over wireless debugging.")
	pairAddressArg = pairCommand.Arg("address",
		"Pairing endpoint host:port shown on the device.").
		Required().
		String()
	pairCodeArg = pairCommand.Arg("code",
		"Six-digit pairing code shown on the device.").
		Required().
		String()

	shellCommand = kingpin.Command("shell",
		"Run a shell command on the device.")
	shellCommandArg = shellCommand.Arg("command",
		"Command to run on device.").
		Strings()

	pullCommand = kingpin.Command("pull",
		"Pull a file from the device.")
	pullProgressFlag = pullCommand.Flag("progress",
		"Show progress.").
		Short('p').
		Bool()
	pullRemoteArg = pullCommand.Arg("remote",
		"Path of source file on device.").
		Required().
		String()
	pullLocalArg = pullCommand.Arg("local",
		"Path of destination file. If -, will write to stdout.").
		String()

	pushCommand = kingpin.Command("push",
		"Push a file to the device.")
	pushProgressFlag = pushCommand.Flag("progress",
		"Show progress.").
		Short('p').
		Bool()
	pushLocalArg = pushCommand.Arg("local",
		"Path of source file. If -, will read from stdin.").
		Required().
		String()
	pushRemoteArg = pushCommand.Arg("remote",
		"Path of destination file on device.").
		Required().
		String()

	rebootCommand = kingpin.Command("reboot",
		"Reboot the device.")
	rebootTargetArg = rebootCommand.Arg("target",
		"Reboot target: bootloader, recovery or sideload.").
		String()
)

func main() {
	cmd := kingpin.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var exitCode int
	switch cmd {
	case "devices":
		exitCode = listDevices(*devicesMdnsTimeout)
	case "connect":
		exitCode = connect(*connectAddressArg)
	case "pair":
		exitCode = pair(*pairAddressArg, *pairCodeArg)
	case "shell":
		exitCode = runShellCommand(*shellCommandArg)
	case "pull":
		exitCode = pull(*pullProgressFlag, *pullRemoteArg, *pullLocalArg)
	case "push":
		exitCode = push(*pushProgressFlag, *pushLocalArg, *pushRemoteArg)
	case "reboot":
		exitCode = reboot(*rebootTargetArg)
	}

	os.Exit(exitCode)
}

func loadKey() (*adb.DeviceKey, error) {
	path := *keyPath
	if path == "" {
		var err error
		path, err = adb.DefaultKeyPath()
		if err != nil {
			return nil, err
		}
	}
	return adb.LoadOrCreateKey(path)
}

// openDevice connects over TCP when --address is given, over USB otherwise.
func openDevice() (*adb.Device, error) {
	key, err := loadKey()
	if err != nil {
		return nil, err
	}

	var transport adb.Transport
	if *address != "" {
		transport, err = adb.DialTCP(*address, adb.DefaultIOTimeout)
	} else {
		transport, err = usb.Open(0, 0)
	}
	if err != nil {
		return nil, err
	}
	return adb.NewDevice(transport, key, adb.Config{})
}

func listDevices(mdnsTimeout time.Duration) int {
	descriptors, err := usb.FindDevices()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error listing USB devices:", err)
	}
	for _, d := range descriptors {
		fmt.Printf("%s\tusb\n", d)
	}

	discovery, err := adb.DiscoverServices(adb.ConnectService)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error browsing mDNS:", err)
		return 0
	}
	go func() {
		<-time.After(mdnsTimeout)
		discovery.Stop()
	}()
	for event := range discovery.C() {
		fmt.Printf("%s\t%s\n", event.Addr(), event.Instance)
	}
	return 0
}

func connect(address string) int {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(adb.DefaultPort))
	}

	key, err := loadKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	transport, err := adb.DialTCP(address, adb.DefaultIOTimeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	device, err := adb.NewDevice(transport, key, adb.Config{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "error connecting:", err)
		return 1
	}
	defer device.Close()

	info := device.Info()
	fmt.Printf("%s\t%s\t%s\n", address, info.State, info.Model)
	return 0
}

func pair(address, code string) int {
	key, err := loadKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := pairing.Pair(ctx, address, code, key, adb.DefaultBannerName); err != nil {
		fmt.Fprintln(os.Stderr, "error pairing:", err)
		return 1
	}
	fmt.Println("paired with", address)
	return 0
}

func runShellCommand(commandAndArgs []string) int {
	if len(commandAndArgs) == 0 {
		fmt.Fprintln(os.Stderr, "error: no command")
		kingpin.Usage()
		return 1
	}

	device, err := openDevice()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer device.Close()

	command := commandAndArgs[0]
	var args []string
	if len(commandAndArgs) > 1 {
		args = commandAndArgs[1:]
	}

	output, err := device.RunCommand(command, args...)
	if exitErr, ok := errors.Cause(err).(adb.ShellExitError); ok {
		fmt.Print(output)
		return exitErr.ExitCode
	} else if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	fmt.Print(output)
	return 0
}

func reboot(target string) int {
	device, err := openDevice()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer device.Close()

	if err := device.Reboot(target); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

func pull(showProgress bool, remotePath, localPath string) int {
	if localPath == "" {
		localPath = filepath.Base(remotePath)
	}

	device, err := openDevice()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer device.Close()

	info, err := device.Stat(remotePath)
	if errors.Cause(err) == adb.ErrFileNotExist {
		fmt.Fprintln(os.Stderr, "remote file does not exist:", remotePath)
		return 1
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "error reading remote file %s: %s\n", remotePath, err)
		return 1
	}

	remoteFile, err := device.ReadFile(remotePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening remote file %s: %s\n", remotePath, errors.Cause(err))
		return 1
	}
	defer remoteFile.Close()

	var localFile io.WriteCloser
	if localPath == StdIoFilename {
		localFile = os.Stdout
	} else {
		localFile, err = os.Create(localPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening local file %s: %s\n", localPath, err)
			return 1
		}
	}
	defer localFile.Close()

	if err := copyWithProgressAndStats(localFile, remoteFile, int(info.Size), showProgress); err != nil {
		fmt.Fprintln(os.Stderr, "error pulling file:", err)
		return 1
	}
	return 0
}

func push(showProgress bool, localPath, remotePath string) int {
	if remotePath == "" {
		fmt.Fprintln(os.Stderr, "error: must specify remote file")
		kingpin.Usage()
		return 1
	}

	var (
		localFile io.ReadCloser
		size      int
		perms     os.FileMode
		mtime     time.Time
	)
	if localPath == "" || localPath == StdIoFilename {
		localFile = os.Stdin
		// 0 size will hide the progress bar.
		perms = os.FileMode(0660)
		mtime = time.Time{}
	} else {
		var err error
		localFile, err = os.Open(localPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening local file %s: %s\n", localPath, err)
			return 1
		}
		info, err := os.Stat(localPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading local file %s: %s\n", localPath, err)
			return 1
		}
		size = int(info.Size())
		perms = info.Mode().Perm()
		mtime = info.ModTime()
	}
	defer localFile.Close()

	device, err := openDevice()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	defer device.Close()

	writer, err := device.OpenWrite(remotePath, perms, mtime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening remote file %s: %s\n", remotePath, err)
		return 1
	}
	defer writer.Close()

	if err := copyWithProgressAndStats(writer, localFile, size, showProgress); err != nil {
		fmt.Fprintln(os.Stderr, "error pushing file:", err)
		return 1
	}
	return 0
}

// copyWithProgressAndStats copies src to dst.
// If showProgress is true and size is positive, a progress bar is shown.
// After copying, final stats about the transfer speed and size are shown.
// Progress and stats are printed to stderr.
func copyWithProgressAndStats(dst io.Writer, src io.Reader, size int, showProgress bool) error {
	var progress *pb.ProgressBar
	if showProgress && size > 0 {
		progress = pb.New(size)
		// Write to stderr in case dst is stdout.
		progress.Output = os.Stderr
		progress.ShowSpeed = true
		progress.ShowPercent = true
		progress.ShowTimeLeft = true
		progress.SetUnits(pb.U_BYTES)
		progress.Start()
		dst = io.MultiWriter(dst, progress)
	}

	startTime := time.Now()
	copied, err := io.Copy(dst, src)

	if progress != nil {
		progress.Finish()
	}

	if pathErr, ok := err.(*os.PathError); ok {
		if errno, ok := pathErr.Err.(syscall.Errno); ok && errno == syscall.EPIPE {
			// Pipe closed. Handle this like an EOF.
			err = nil
		}
	}
	if err != nil {
		return err
	}

	duration := time.Now().Sub(startTime)
	rate := int64(float64(copied) / duration.Seconds())
	fmt.Fprintf(os.Stderr, "%d B/s (%d bytes in %s)\n", rate, copied, duration)

	return nil
}
