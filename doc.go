/*
Package adb talks the Android Debug Bridge wire protocol directly to a
device, over USB or TCP, without going through a local adb server.

The device protocol is defined at
https://android.googlesource.com/platform/packages/modules/adb/+/master/protocol.txt.

WARNING This library is under heavy development, and its API is likely to
change without notice. Use versioning!
*/
package adb
